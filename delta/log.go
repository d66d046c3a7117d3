package delta

import (
	"encoding/json"
	"fmt"
	"regexp"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/TFMV/drainage/fs"
	"github.com/TFMV/drainage/lakehouse"
)

// LogDir is the transaction log directory relative to the table root.
const LogDir = "_delta_log/"

const lastCheckpointFile = "_last_checkpoint"

var (
	commitPattern     = regexp.MustCompile(`^(\d{20})\.json$`)
	checkpointPattern = regexp.MustCompile(`^(\d{20})\.checkpoint\.parquet$`)
	multipartPattern  = regexp.MustCompile(`^(\d{20})\.checkpoint\.(\d{10})\.(\d{10})\.parquet$`)
)

// commitFile is a numbered commit observed in the log listing.
type commitFile struct {
	version int64
	object  fs.ObjectInfo
}

// checkpoint is a (possibly multi-part) checkpoint at one version.
type checkpoint struct {
	version int64
	parts   int
	// objects is indexed by part number minus one; nil slots are missing.
	objects []*fs.ObjectInfo
}

func (c *checkpoint) complete() bool {
	for _, o := range c.objects {
		if o == nil {
			return false
		}
	}
	return len(c.objects) > 0
}

func (c *checkpoint) missingPart() int {
	for i, o := range c.objects {
		if o == nil {
			return i + 1
		}
	}
	return 0
}

// lastCheckpoint is the content of _delta_log/_last_checkpoint.
type lastCheckpoint struct {
	Version int64 `json:"version"`
	Size    int64 `json:"size"`
	Parts   *int  `json:"parts,omitempty"`
}

// logListing classifies the objects found under _delta_log/.
type logListing struct {
	commits     []commitFile
	checkpoints []*checkpoint
	pointer     *fs.ObjectInfo
	artifacts   []lakehouse.FileEntry
}

func parseLogListing(logPrefix string, objects []fs.ObjectInfo) *logListing {
	l := &logListing{}
	byKey := make(map[string]*checkpoint)

	for i := range objects {
		obj := objects[i]
		name := strings.TrimPrefix(obj.Key, logPrefix)
		if name == "" || strings.HasSuffix(name, "/") {
			continue
		}
		l.artifacts = append(l.artifacts, obj.Entry())
		if strings.Contains(name, "/") {
			continue
		}

		switch {
		case name == lastCheckpointFile:
			l.pointer = &obj
		case commitPattern.MatchString(name):
			m := commitPattern.FindStringSubmatch(name)
			l.commits = append(l.commits, commitFile{version: parseVersion(m[1]), object: obj})
		case checkpointPattern.MatchString(name):
			m := checkpointPattern.FindStringSubmatch(name)
			cp := checkpointAt(byKey, parseVersion(m[1]), 1)
			cp.objects[0] = &obj
		case multipartPattern.MatchString(name):
			m := multipartPattern.FindStringSubmatch(name)
			part, _ := strconv.Atoi(m[2])
			total, _ := strconv.Atoi(m[3])
			if total < 1 || part < 1 || part > total {
				continue
			}
			cp := checkpointAt(byKey, parseVersion(m[1]), total)
			cp.objects[part-1] = &obj
		}
	}

	for _, cp := range byKey {
		l.checkpoints = append(l.checkpoints, cp)
	}
	sort.Slice(l.commits, func(i, j int) bool { return l.commits[i].version < l.commits[j].version })
	sort.Slice(l.checkpoints, func(i, j int) bool {
		if l.checkpoints[i].version != l.checkpoints[j].version {
			return l.checkpoints[i].version < l.checkpoints[j].version
		}
		return l.checkpoints[i].parts < l.checkpoints[j].parts
	})
	return l
}

func checkpointAt(byKey map[string]*checkpoint, version int64, parts int) *checkpoint {
	key := fmt.Sprintf("%d/%d", version, parts)
	cp, ok := byKey[key]
	if !ok {
		cp = &checkpoint{version: version, parts: parts, objects: make([]*fs.ObjectInfo, parts)}
		byKey[key] = cp
	}
	return cp
}

func parseVersion(digits string) int64 {
	v, _ := strconv.ParseInt(digits, 10, 64)
	return v
}

// head returns the latest version present in the log.
func (l *logListing) head() int64 {
	head := int64(-1)
	if n := len(l.commits); n > 0 {
		head = l.commits[n-1].version
	}
	for _, cp := range l.checkpoints {
		if cp.version > head {
			head = cp.version
		}
	}
	return head
}

// selectCheckpoint picks the checkpoint to start replay from. A checkpoint
// named by _last_checkpoint must be complete. A pointer that names no listed
// checkpoint is stale and ignored, and the newest complete checkpoint at or
// below head is used instead. nil means replay from version zero.
func (l *logListing) selectCheckpoint(pointer *lastCheckpoint, head int64) (cp *checkpoint, stale bool, err error) {
	if pointer != nil && pointer.Version <= head {
		parts := 1
		if pointer.Parts != nil {
			parts = *pointer.Parts
		}
		for _, cp := range l.checkpoints {
			if cp.version != pointer.Version || cp.parts != parts {
				continue
			}
			if !cp.complete() {
				return nil, false, lakehouse.NewCorruptMetadata(
					multipartName(cp.version, cp.missingPart(), cp.parts),
					fmt.Sprintf("checkpoint part %d of %d is missing", cp.missingPart(), cp.parts), nil)
			}
			return cp, false, nil
		}
		stale = true
	}

	for i := len(l.checkpoints) - 1; i >= 0; i-- {
		cp := l.checkpoints[i]
		if cp.version <= head && cp.complete() {
			return cp, stale, nil
		}
	}
	return nil, stale, nil
}

// firstGap returns the first version in [from, to] without a commit file.
func (l *logListing) firstGap(from, to int64) (int64, bool) {
	have := make(map[int64]struct{}, len(l.commits))
	for _, c := range l.commits {
		have[c.version] = struct{}{}
	}
	for v := from; v <= to; v++ {
		if _, ok := have[v]; !ok {
			return v, true
		}
	}
	return 0, false
}

func parseLastCheckpoint(data []byte) (*lastCheckpoint, error) {
	var lc lastCheckpoint
	if err := json.Unmarshal(data, &lc); err != nil {
		return nil, err
	}
	if lc.Version < 0 {
		return nil, fmt.Errorf("negative checkpoint version %d", lc.Version)
	}
	return &lc, nil
}

func commitName(version int64) string {
	return fmt.Sprintf("%020d.json", version)
}

func checkpointName(version int64) string {
	return fmt.Sprintf("%020d.checkpoint.parquet", version)
}

func multipartName(version int64, part, parts int) string {
	if parts <= 1 {
		return checkpointName(version)
	}
	return fmt.Sprintf("%020d.checkpoint.%010d.%010d.parquet", version, part, parts)
}

func millis(ms int64) time.Time {
	if ms <= 0 {
		return time.Time{}
	}
	return time.UnixMilli(ms).UTC()
}
