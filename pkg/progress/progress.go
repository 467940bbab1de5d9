// Package progress draws progress bars on a writer carried in the
// context. Without one, every operation is a no-op.
package progress

import (
	"context"
	"io"
	"time"

	pb "github.com/schollz/progressbar/v3"
)

type pbVal struct {
	w io.Writer
}

type pbKey struct{}

// Open makes later bars render to w.
func Open(ctx context.Context, w io.Writer) context.Context {
	return context.WithValue(ctx, pbKey{}, pbVal{w})
}

type Progress struct {
	bar    *pb.ProgressBar
	prefix string
}

func (t *Progress) Add(cnt int64) {
	if t.bar == nil {
		return
	}

	t.bar.Add64(cnt)
}

func (t *Progress) Tick() {
	t.Add(1)
}

func (t *Progress) Close() {
	if t.bar == nil {
		return
	}

	t.bar.Finish()
}

// On shows the current step next to the bar's description.
func (t *Progress) On(step string) {
	if t.bar == nil {
		return
	}

	t.bar.Describe(t.prefix + ": " + step)
}

func writer(ctx context.Context) (io.Writer, bool) {
	h := ctx.Value(pbKey{})
	if h == nil {
		return nil, false
	}

	return h.(pbVal).w, true
}

// Spinner shows activity for work of unknown size, counting the units
// done so far.
func Spinner(ctx context.Context, desc string) *Progress {
	w, ok := writer(ctx)
	if !ok {
		return &Progress{}
	}

	bar := pb.NewOptions64(
		-1,
		pb.OptionSetDescription(desc),
		pb.OptionSetWriter(w),
		pb.OptionThrottle(65*time.Millisecond),
		pb.OptionShowCount(),
		pb.OptionSpinnerType(14),
		pb.OptionClearOnFinish(),
	)
	bar.RenderBlank()

	return &Progress{prefix: desc, bar: bar}
}
