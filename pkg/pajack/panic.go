package pajack

import (
	"bytes"
	"fmt"
	"os"
	"path/filepath"
	"runtime/debug"
	"time"

	"github.com/MixyLabs/pajack/pkg/pajack/util"
)

const (
	crashlogFilename        = "pajack-crash-%s.log"
	crashlogTimestampFormat = "2006.01.02-15.04.05"

	crashMessage = `-----------------------------------------------------------------
                        pajack crashlog
-----------------------------------------------------------------
pajack has crashed. Slot devices were left loaded on the sound server;
the next start tears them down and provisions them again.
-----------------------------------------------------------------
Time: %s
Slots: %s
Panic occurred: %s
Stack trace:
%s
-----------------------------------------------------------------
`
)

func (p *Pajack) recoverFromPanic() {
	r := recover()

	if r == nil {
		return
	}

	now := time.Now()

	if err := util.EnsureDirExists(logDirectory); err != nil {
		panic(fmt.Errorf("ensure crashlog dir exists: %w", err))
	}

	slots := "not provisioned"
	if p.pool != nil {
		slots = p.pool.String()
	}

	crashlogBytes := bytes.NewBufferString(fmt.Sprintf(crashMessage, now.Format(crashlogTimestampFormat), slots, r, debug.Stack()))
	crashlogPath := filepath.Join(logDirectory, fmt.Sprintf(crashlogFilename, now.Format(crashlogTimestampFormat)))

	if err := os.WriteFile(crashlogPath, crashlogBytes.Bytes(), 0o644); err != nil {
		panic(fmt.Errorf("can't even write the crashlog file contents: %w", err))
	}

	p.logger.Errorw("Encountered and logged panic, crashing",
		"crashlogPath", crashlogPath,
		"error", r)

	p.notifier.Notify("pajack crashed",
		fmt.Sprintf("More details in %s", crashlogPath))

	if p.cancel != nil {
		p.cancel()
	}

	p.logger.Errorw("Quitting", "exitCode", 1)
	_ = p.logger.Sync()
	os.Exit(1)
}
