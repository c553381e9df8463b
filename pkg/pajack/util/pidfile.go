package util

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"

	"github.com/mitchellh/go-ps"
)

var ErrAlreadyRunning = errors.New("another instance is already running")

// CreatePidLock writes our pid to path unless a live process of the same executable
// already holds it. Stale lock files are taken over.
func CreatePidLock(path string) error {
	currentPid := os.Getpid()

	lockContent, err := os.ReadFile(path)
	if err == nil {
		lockPid, convErr := strconv.Atoi(strings.TrimSpace(string(lockContent)))
		if convErr == nil && lockPid != currentPid && lockPid > 0 {
			running, err := samePidAlive(lockPid, currentPid)
			if err != nil {
				return fmt.Errorf("check lock owner %d: %w", lockPid, err)
			}

			if running {
				return fmt.Errorf("%w (pid %d, lock %s)", ErrAlreadyRunning, lockPid, path)
			}
		}
	} else if !os.IsNotExist(err) {
		return fmt.Errorf("read pid file: %w", err)
	}

	if err := os.WriteFile(path, []byte(strconv.Itoa(currentPid)), 0o644); err != nil {
		return fmt.Errorf("write pid file: %w", err)
	}

	return nil
}

// RemovePidLock removes path if it still holds our pid
func RemovePidLock(path string) error {
	lockContent, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}

		return fmt.Errorf("read pid file: %w", err)
	}

	if strings.TrimSpace(string(lockContent)) != strconv.Itoa(os.Getpid()) {
		return nil
	}

	if err := os.Remove(path); err != nil {
		return fmt.Errorf("remove pid file: %w", err)
	}

	return nil
}

// samePidAlive reports whether pid is running the same executable as self
func samePidAlive(pid int, self int) (bool, error) {
	other, err := ps.FindProcess(pid)
	if err != nil {
		return false, err
	}

	if other == nil {
		return false, nil
	}

	me, err := ps.FindProcess(self)
	if err != nil || me == nil {
		// can't compare names, assume the pid is ours to respect
		return true, nil
	}

	return other.Executable() == me.Executable(), nil
}
