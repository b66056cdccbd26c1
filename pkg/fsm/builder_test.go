package fsm

import (
	"strings"
	"testing"
)

func TestBuildValidation(t *testing.T) {
	cases := []struct {
		name    string
		builder *Builder
		wantErr string
	}{
		{
			name:    "missing id",
			builder: NewBuilder("").Initial("a").State("a").Done(),
			wantErr: "id is required",
		},
		{
			name:    "missing initial",
			builder: NewBuilder("d").State("a").Done(),
			wantErr: "initial state is required",
		},
		{
			name:    "undeclared initial",
			builder: NewBuilder("d").Initial("x").State("a").Done(),
			wantErr: "not declared",
		},
		{
			name: "undeclared transition target",
			builder: NewBuilder("d").Initial("a").
				State("a").On("go", "nowhere").Done().Done(),
			wantErr: "undeclared state",
		},
		{
			name: "empty event key",
			builder: NewBuilder("d").Initial("a").
				State("a").On("", "a").Done().Done(),
			wantErr: "empty event key",
		},
		{
			name: "undeclared timeout target",
			builder: NewBuilder("d").Initial("a").
				State("a").TimeoutAfter(5, "nowhere").Done(),
			wantErr: "undeclared state",
		},
		{
			name: "timeout without target or action",
			builder: NewBuilder("d").Initial("a").
				State("a").TimeoutAfter(5, "").Done(),
			wantErr: "neither target nor action",
		},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := tc.builder.Build()
			if err == nil {
				t.Fatal("Build succeeded, want error")
			}
			if !strings.Contains(err.Error(), tc.wantErr) {
				t.Fatalf("Build error = %q, want substring %q", err, tc.wantErr)
			}
		})
	}
}

func TestBuildValidDefinition(t *testing.T) {
	def, err := NewBuilder("d").
		Initial("a").
		State("a").
		On("go", "b").Done().
		Stay("poke").Done().
		Done().
		State("b").Final(true).Done().
		Build()
	if err != nil {
		t.Fatalf("Build: %v", err)
	}

	if !def.HasState("a") || !def.HasState("b") {
		t.Fatal("declared states missing from definition")
	}
	if got := len(def.TransitionsFrom("a")); got != 2 {
		t.Fatalf("TransitionsFrom(a) = %d, want 2", got)
	}
	if !def.IsFinal("b") || def.IsFinal("a") {
		t.Fatal("final flags wrong")
	}
	finals := def.FinalStates()
	if len(finals) != 1 || finals[0] != "b" {
		t.Fatalf("FinalStates = %v, want [b]", finals)
	}
}
