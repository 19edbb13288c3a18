//go:build linux

package runner_test

import (
	"bytes"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"testing"
	"time"

	. "github.com/smartystreets/goconvey/convey"

	"hostvisor/internal/domain"
	"hostvisor/internal/runner"
)

// processAlive reports whether pid exists and is not a zombie.
func processAlive(pid int) bool {
	data, err := os.ReadFile(fmt.Sprintf("/proc/%d/stat", pid))
	if err != nil {
		return false
	}
	i := bytes.LastIndexByte(data, ')')
	if i < 0 || i+2 >= len(data) {
		return false
	}
	return data[i+2] != 'Z'
}

func readPid(path string) int {
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		if data, err := os.ReadFile(path); err == nil {
			if pid, err := strconv.Atoi(strings.TrimSpace(string(data))); err == nil {
				return pid
			}
		}
		time.Sleep(10 * time.Millisecond)
	}
	return 0
}

func awaitGone(pid int) bool {
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		if !processAlive(pid) {
			return true
		}
		time.Sleep(20 * time.Millisecond)
	}
	return false
}

func TestExecStopReachesProcessGroup(t *testing.T) {
	Convey("Given a wrapper script that starts a helper process", t, func() {
		events := make(chan domain.Event, 1024)
		sup := newExecSupervisor(events)
		dir := t.TempDir()
		pidFile := filepath.Join(dir, "helper.pid")
		Reset(func() {
			sup.StopAll(t.Context())
			sup.Close()
		})

		sup.Register("wrapper", runner.Spec{
			Executable: "/bin/sh",
			Args:       []string{"-c", `trap "" TERM; sleep 30 & echo $! > helper.pid; echo started; wait`},
			Dir:        dir,
		}, runner.Options{})

		So(sup.Start("wrapper"), ShouldBeNil)
		awaitStatus(sup, "wrapper", domain.StatusRunning)
		helper := readPid(pidFile)
		So(helper, ShouldBeGreaterThan, 0)
		So(processAlive(helper), ShouldBeTrue)

		Convey("a forced stop kills the helper too", func() {
			So(sup.Stop("wrapper", true), ShouldBeNil)
			So(awaitStatus(sup, "wrapper", domain.StatusStopped).Status, ShouldEqual, domain.StatusStopped)
			So(awaitGone(helper), ShouldBeTrue)
		})
	})
}
