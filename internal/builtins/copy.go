// Package builtins provides small, dependency-free example Transforms used
// to exercise the engine end to end: a verbatim copy and an identity
// pass-through. Real format transforms (templating, Markdown, image
// processing, ...) are external collaborators and out of scope here.
package builtins

import (
	"context"
	"io"
	"os"
	"path/filepath"

	"weave/internal/transform"
)

// Copy copies input byte-for-byte to every requested output path,
// creating parent directories as needed.
type Copy struct{}

func (Copy) Name() string { return "copy" }

func (Copy) Run(ctx context.Context, input string, outputs []string) (*transform.Result, error) {
	for _, out := range outputs {
		if err := copyFile(input, out); err != nil {
			return nil, err
		}
	}
	return nil, nil
}

func copyFile(src, dst string) error {
	in, err := os.Open(src)
	if err != nil {
		return err
	}
	defer in.Close()

	if err := os.MkdirAll(filepath.Dir(dst), 0o755); err != nil {
		return err
	}
	out, err := os.Create(dst)
	if err != nil {
		return err
	}
	defer out.Close()

	if _, err := io.Copy(out, in); err != nil {
		return err
	}
	return out.Close()
}

// Identity is a transform named "identity" that copies input to every
// output exactly as Copy does. The engine itself copies nothing: a rule
// with path calculators and no transform writes no output files.
var Identity = transform.Func{
	FuncName: "identity",
	RunFunc: func(ctx context.Context, input string, outputs []string) (*transform.Result, error) {
		return Copy{}.Run(ctx, input, outputs)
	},
}
