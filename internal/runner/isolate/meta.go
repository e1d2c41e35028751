package isolate

import (
	"bufio"
	"os"
	"strings"
	"time"

	"github.com/cutekitek/rankode-exec/pkg/utils"
	"github.com/pkg/errors"
)

type exitStatus int

const (
	exitStatusOk exitStatus = iota
	exitStatusTimeout
	exitStatusOutOfMemory
	exitStatusRuntimeError
	exitStatusSignal
	exitStatusInternal
)

type metaFile struct {
	path string
}

type metaData struct {
	RunTime    time.Duration
	WallTime   time.Duration
	Memory     int64
	StatusCode int
	Signal     int
	Status     exitStatus
	Message    string
}

// Collect parses the key:value meta file isolate writes after a run and removes it.
func (m metaFile) Collect() (*metaData, error) {
	defer os.Remove(m.path)
	f, err := os.Open(m.path)
	if err != nil {
		return nil, errors.Wrap(err, "failed to open meta file")
	}
	defer f.Close()
	return parseMeta(bufio.NewScanner(f))
}

func parseMeta(s *bufio.Scanner) (*metaData, error) {
	meta := &metaData{}
	oom := false
	for s.Scan() {
		line := strings.TrimSpace(s.Text())
		if line == "" {
			continue
		}
		key, value, ok := strings.Cut(line, ":")
		if !ok {
			return nil, errors.Errorf("invalid meta line %q", line)
		}
		var err error
		switch key {
		case "cg-mem":
			meta.Memory, err = utils.ParseInt64(value)
		case "exitcode":
			var v int64
			v, err = utils.ParseInt64(value)
			meta.StatusCode = int(v)
		case "exitsig":
			var v int64
			v, err = utils.ParseInt64(value)
			meta.Signal = int(v)
		case "status":
			switch value {
			case "RE":
				meta.Status = exitStatusRuntimeError
			case "SG":
				meta.Status = exitStatusSignal
			case "TO":
				meta.Status = exitStatusTimeout
			case "XX":
				meta.Status = exitStatusInternal
			}
		case "message":
			meta.Message = value
		case "cg-oom-killed":
			oom = true
		case "time":
			meta.RunTime, err = utils.ParseSeconds(value)
		case "time-wall":
			meta.WallTime, err = utils.ParseSeconds(value)
		}
		if err != nil {
			return nil, errors.Wrapf(err, "invalid meta value for %s", key)
		}
	}
	if oom {
		meta.Status = exitStatusOutOfMemory
	}
	return meta, s.Err()
}
