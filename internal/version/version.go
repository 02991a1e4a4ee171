// Package version хранит сведения о сборке, заданные через -ldflags.
package version

import (
	"fmt"
	"runtime/debug"

	log "github.com/sirupsen/logrus"
)

var (
	version = "dev"
	commit  = "unknown"
	date    = "unknown"
)

// Info возвращает версию, коммит и дату сборки.
// Без ldflags коммит берётся из VCS-метаданных бинаря.
func Info() (v, c, d string) {
	v, c, d = version, commit, date
	if c != "unknown" {
		return v, c, d
	}
	if bi, ok := debug.ReadBuildInfo(); ok {
		for _, s := range bi.Settings {
			switch s.Key {
			case "vcs.revision":
				c = s.Value
			case "vcs.time":
				if d == "unknown" {
					d = s.Value
				}
			}
		}
	}
	return v, c, d
}

// Version возвращает номер версии.
func Version() string { return version }

func String() string {
	v, c, d := Info()
	return fmt.Sprintf("version=%s commit=%s date=%s", v, c, d)
}

// Fields — поля сборки для стартового лога.
func Fields() log.Fields {
	v, c, d := Info()
	return log.Fields{"version": v, "commit": c, "build_date": d}
}
