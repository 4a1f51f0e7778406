/*
Copyright 2025 The Photark Authors.

Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

    http://www.apache.org/licenses/LICENSE-2.0

Unless required by applicable law or agreed to in writing, software
distributed under the License is distributed on an "AS IS" BASIS,
WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
See the License for the specific language governing permissions and
limitations under the License.
*/

package supervise

import (
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"syscall"
)

// signalTree signals each descendant of pid individually, deepest first,
// then pid itself and its process group. Runtimes spawn interpreter
// children that detach from the group, so the group kill alone is not
// enough.
func signalTree(pid int, sig syscall.Signal) {
	for _, p := range descendants(pid) {
		_ = syscall.Kill(p, sig)
	}
	_ = syscall.Kill(pid, sig)
	// The child was started with Setpgid, its pgid equals its pid.
	_ = syscall.Kill(-pid, sig)
}

// descendants walks the parent links exposed under /proc and returns every
// transitive child of pid, deepest first. On hosts without /proc it returns
// nothing and the group signal has to do.
func descendants(pid int) []int {
	byParent := parentIndex()
	if len(byParent) == 0 {
		return nil
	}

	var out []int
	queue := []int{pid}
	for len(queue) > 0 {
		next := queue[0]
		queue = queue[1:]
		for _, kid := range byParent[next] {
			out = append(out, kid)
			queue = append(queue, kid)
		}
	}

	// Reverse to deepest-first so grandchildren never see a dead parent
	// before their own signal.
	for i, j := 0, len(out)-1; i < j; i, j = i+1, j-1 {
		out[i], out[j] = out[j], out[i]
	}
	return out
}

// parentIndex maps each live pid to its direct children.
func parentIndex() map[int][]int {
	entries, err := os.ReadDir("/proc")
	if err != nil {
		return nil
	}

	index := map[int][]int{}
	for _, entry := range entries {
		pid, err := strconv.Atoi(entry.Name())
		if err != nil {
			continue
		}
		ppid, ok := parentOf(pid)
		if !ok {
			continue
		}
		index[ppid] = append(index[ppid], pid)
	}
	return index
}

// parentOf reads the ppid out of /proc/<pid>/stat. The comm field is
// parenthesised and may itself contain spaces, so parse from the last ')'.
func parentOf(pid int) (int, bool) {
	raw, err := os.ReadFile(filepath.Join("/proc", strconv.Itoa(pid), "stat"))
	if err != nil {
		return 0, false
	}
	stat := string(raw)
	end := strings.LastIndexByte(stat, ')')
	if end < 0 || end+2 >= len(stat) {
		return 0, false
	}
	fields := strings.Fields(stat[end+2:])
	if len(fields) < 2 {
		return 0, false
	}
	ppid, err := strconv.Atoi(fields[1])
	if err != nil {
		return 0, false
	}
	return ppid, true
}
