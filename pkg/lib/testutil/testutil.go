// Package testutil holds helpers shared by the harness tests: fake node scripts and
// process liveness checks.
package testutil

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"runtime"
	"strconv"
	"strings"
	"syscall"
	"testing"
	"time"
)

// FakeNode is a node script that logs its arguments and environment, forks a long-lived
// helper and then ticks until terminated. It writes its own pid to <script>.<pid>.node and
// the helper's to <script>.<pid>.child.
const FakeNode = `#!/bin/sh
log=""
prev=""
for arg in "$@"; do
  if [ "$prev" = "-l" ]; then log="$arg"; fi
  prev="$arg"
done
echo "started args=$*"
echo "env NODE_LOG=$NODE_LOG NODE_BACKTRACE=$NODE_BACKTRACE"
echo "$$" > "$0.$$.node"
sleep 1000 &
echo "$!" > "$0.$$.child"
echo "ready listen=$log"
i=0
while true; do
  i=$((i+1))
  echo "tick $i"
  sleep 0.05
done
`

// StubbornNode ignores SIGTERM so termination must escalate to SIGKILL.
const StubbornNode = `#!/bin/sh
trap '' TERM
echo "stubborn started"
while true; do
  sleep 0.05
done
`

// StubbornHelperNode exits on SIGTERM itself but forks a helper that ignores it, so only a
// SIGKILL to the whole group stops the helper.
const StubbornHelperNode = `#!/bin/sh
sh -c 'trap "" TERM; while true; do sleep 0.05; done' &
echo "$!" > "$0.$$.child"
echo "ready"
while true; do
  sleep 0.05
done
`

// SeedCheckingNode models a join racing an unready seed. The init node (positional "init"
// argument) marks itself ready by creating $READY_MARKER after 0.3s; a joining node logs
// "joined" if the marker exists when it starts and "join failed" otherwise.
const SeedCheckingNode = `#!/bin/sh
role=join
for arg in "$@"; do
  if [ "$arg" = "init" ]; then role=init; fi
done
if [ "$role" = "init" ]; then
  sleep 0.3
  touch "$READY_MARKER"
  echo "init ready"
elif [ -f "$READY_MARKER" ]; then
  echo "joined"
else
  echo "join failed: seed not ready"
fi
while true; do
  sleep 0.05
done
`

// ExitingNode prints one line and exits immediately.
const ExitingNode = `#!/bin/sh
echo "exiting now"
exit 3
`

// WriteScript writes an executable script into a fresh temp dir and returns its path.
func WriteScript(t *testing.T, name, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	if err := os.WriteFile(path, []byte(body), 0o755); err != nil {
		t.Fatalf("write script %s: %v", path, err)
	}
	return path
}

// ChildPids returns the pids of helpers forked by node scripts started from script.
func ChildPids(t *testing.T, script string) []int {
	t.Helper()
	return readPidFiles(t, script+".*.child")
}

func readPidFiles(t *testing.T, pattern string) []int {
	t.Helper()
	matches, err := filepath.Glob(pattern)
	if err != nil {
		t.Fatalf("glob pid files %s: %v", pattern, err)
	}
	var pids []int
	for _, m := range matches {
		data, err := os.ReadFile(m)
		if err != nil {
			continue
		}
		pid, err := strconv.Atoi(strings.TrimSpace(string(data)))
		if err != nil {
			continue
		}
		pids = append(pids, pid)
	}
	return pids
}

// NodePids returns the pids of FakeNode instances started from script.
func NodePids(t *testing.T, script string) []int {
	t.Helper()
	return readPidFiles(t, script+".*.node")
}

// ProcessGone reports whether pid no longer runs. Zombies awaiting a reaper count as gone.
func ProcessGone(pid int) bool {
	if err := syscall.Kill(pid, 0); errors.Is(err, syscall.ESRCH) {
		return true
	}
	if runtime.GOOS != "linux" {
		return false
	}
	stat, err := os.ReadFile(fmt.Sprintf("/proc/%d/stat", pid))
	if err != nil {
		return os.IsNotExist(err)
	}
	// Format: pid (comm) state ...
	fields := strings.Fields(string(stat[strings.LastIndexByte(string(stat), ')')+1:]))
	return len(fields) > 0 && (fields[0] == "Z" || fields[0] == "X")
}

// WaitGone polls until every pid is gone or the timeout expires.
func WaitGone(t *testing.T, pids []int, timeout time.Duration) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		alive := 0
		for _, pid := range pids {
			if !ProcessGone(pid) {
				alive++
			}
		}
		if alive == 0 {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	for _, pid := range pids {
		if !ProcessGone(pid) {
			t.Fatalf("process %d still alive after %v", pid, timeout)
		}
	}
}

// WaitForFile polls until path contains substr.
func WaitForFile(t *testing.T, path, substr string, timeout time.Duration) string {
	t.Helper()
	deadline := time.Now().Add(timeout)
	var data []byte
	for time.Now().Before(deadline) {
		data, _ = os.ReadFile(path)
		if strings.Contains(string(data), substr) {
			return string(data)
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("%s does not contain %q after %v; content: %q", path, substr, timeout, string(data))
	return ""
}
