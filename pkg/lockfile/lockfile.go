package lockfile

import (
	"context"
	"io/ioutil"
	"os"
	"strconv"
	"strings"
	"time"

	"golang.org/x/sys/unix"
)

// Take creates path exclusively, writing the current pid into it. While
// another live process holds the lock, waiting is called and Take retries
// every second until ctx is done. A lock left behind by a process that no
// longer exists is removed and taken over. The returned func releases the lock.
func Take(ctx context.Context, path string, waiting func()) (func(), error) {
	tk := time.NewTicker(time.Second)
	defer tk.Stop()

	for {
		f, err := os.OpenFile(path, os.O_CREATE|os.O_EXCL|os.O_WRONLY, 0644)
		if err == nil {
			f.WriteString(strconv.Itoa(os.Getpid()))
			f.Close()
			break
		}

		if !os.IsExist(err) {
			return nil, err
		}

		if stale(path) {
			os.Remove(path)
			continue
		}

		if waiting != nil {
			waiting()
		}

		select {
		case <-tk.C:
			// ok
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}

	closer := func() {
		os.Remove(path)
	}

	return closer, nil
}

func stale(path string) bool {
	data, err := ioutil.ReadFile(path)
	if err != nil {
		return false
	}

	pid, err := strconv.Atoi(strings.TrimSpace(string(data)))
	if err != nil || pid <= 0 {
		return false
	}

	return unix.Kill(pid, 0) == unix.ESRCH
}
