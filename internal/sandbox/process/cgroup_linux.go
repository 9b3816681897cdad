//go:build linux

package process

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"golang.org/x/sys/unix"
)

// runCgroup is the cgroup v2 directory owned by one execution.
type runCgroup struct {
	path string
	dir  *os.File
}

func createRunCgroup(root string, memoryBytes, pids int64) (*runCgroup, error) {
	path := filepath.Join(root, fmt.Sprintf("run-%d-%d", os.Getpid(), time.Now().UnixNano()))
	if err := os.Mkdir(path, 0o750); err != nil {
		return nil, fmt.Errorf("create cgroup: %w", err)
	}
	cg := &runCgroup{path: path}
	if pids > 0 {
		if err := cg.write("pids.max", strconv.FormatInt(pids, 10)); err != nil {
			cg.remove()
			return nil, err
		}
	}
	if memoryBytes > 0 {
		if err := cg.write("memory.max", strconv.FormatInt(memoryBytes, 10)); err != nil {
			cg.remove()
			return nil, err
		}
		_ = cg.write("memory.swap.max", "0")
	}
	dir, err := os.Open(path)
	if err != nil {
		cg.remove()
		return nil, fmt.Errorf("open cgroup: %w", err)
	}
	cg.dir = dir
	return cg, nil
}

// fd is handed to clone3 so the child starts inside the cgroup.
func (c *runCgroup) fd() int {
	return int(c.dir.Fd())
}

// kill sends SIGKILL to every process in the cgroup, including ones that left
// the process group with setsid.
func (c *runCgroup) kill() {
	_ = c.write("cgroup.kill", "1")
}

// remove kills what is left and deletes the directory once it is empty.
func (c *runCgroup) remove() {
	if c.dir != nil {
		_ = c.dir.Close()
		c.dir = nil
	}
	c.kill()
	for i := 0; i < 50; i++ {
		err := unix.Rmdir(c.path)
		if err == nil || os.IsNotExist(err) {
			return
		}
		time.Sleep(2 * time.Millisecond)
	}
}

func (c *runCgroup) write(name, value string) error {
	if err := os.WriteFile(filepath.Join(c.path, name), []byte(value), 0o640); err != nil {
		return fmt.Errorf("write %s: %w", name, err)
	}
	return nil
}
