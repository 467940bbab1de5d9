package ops

import (
	"github.com/hashicorp/go-hclog"
	"lab47.dev/autopatchelf/pkg/resolve"
)

type FileError struct {
	Path string
	Err  error
}

// Report collects the outcome of an AutoPatch run.
type Report struct {
	Dependencies []resolve.Dependency

	// Missing are the unresolved dependencies no ignore pattern matched.
	Missing []resolve.Dependency

	// Ignored are the unresolved dependencies an ignore pattern matched.
	Ignored []resolve.Dependency

	Errors []FileError

	Scanned  int
	Skipped  int
	UpToDate int
	Patched  int
}

func (r *Report) partition(m *IgnoreMatcher) {
	r.Missing = nil
	r.Ignored = nil

	for _, d := range r.Dependencies {
		if d.Found {
			continue
		}

		if m.Match(d.Name) {
			r.Ignored = append(r.Ignored, d)
		} else {
			r.Missing = append(r.Missing, d)
		}
	}
}

func (r *Report) log(L hclog.Logger) {
	for _, d := range r.Ignored {
		L.Warn("ignoring missing dependency", "file", d.File, "name", d.Name)
	}

	for _, d := range r.Missing {
		L.Error("missing dependency", "file", d.File, "name", d.Name)
	}

	L.Info("auto-patchelf finished",
		"scanned", r.Scanned,
		"skipped", r.Skipped,
		"up-to-date", r.UpToDate,
		"patched", r.Patched,
		"missing", len(r.Missing),
		"ignored", len(r.Ignored),
		"errors", len(r.Errors),
	)
}
