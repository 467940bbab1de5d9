package patcher

import (
	"bytes"
	"context"
	"os/exec"
	"strings"

	"github.com/hashicorp/go-hclog"
	"github.com/pkg/errors"
)

// Patcher rewrites the dynamic linking metadata of a file in place.
type Patcher interface {
	SetInterpreter(ctx context.Context, path, interp string, extra []string) error
	SetRpath(ctx context.Context, path, rpath string, extra []string) error
}

var ErrTool = errors.New("patch tool failed")

// Patchelf drives the patchelf tool.
type Patchelf struct {
	L hclog.Logger

	// Tool is the patchelf binary, looked up on PATH when empty.
	Tool string
}

func (p *Patchelf) SetInterpreter(ctx context.Context, path, interp string, extra []string) error {
	return p.run(ctx, path, "--set-interpreter", interp, extra)
}

func (p *Patchelf) SetRpath(ctx context.Context, path, rpath string, extra []string) error {
	return p.run(ctx, path, "--set-rpath", rpath, extra)
}

func (p *Patchelf) run(ctx context.Context, path, flag, val string, extra []string) error {
	tool := p.Tool
	if tool == "" {
		tool = "patchelf"
	}

	args := append([]string{flag, val, path}, extra...)

	if p.L != nil {
		p.L.Trace("running patch tool", "tool", tool, "args", args)
	}

	var stderr bytes.Buffer

	cmd := exec.CommandContext(ctx, tool, args...)
	cmd.Stderr = &stderr

	err := cmd.Run()
	if err != nil {
		msg := strings.TrimSpace(stderr.String())
		if msg == "" {
			msg = err.Error()
		}

		return errors.Wrapf(ErrTool, "%s %s %s: %s", tool, flag, path, msg)
	}

	return nil
}
