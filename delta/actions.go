package delta

import (
	"bufio"
	"bytes"
	"encoding/json"
	"fmt"
	"strings"
)

// action is one line of a commit file. Exactly one field is set.
type action struct {
	Add            *addAction            `json:"add,omitempty"`
	Remove         *removeAction         `json:"remove,omitempty"`
	MetaData       *metadataAction       `json:"metaData,omitempty"`
	Protocol       *protocolAction       `json:"protocol,omitempty"`
	CommitInfo     *commitInfo           `json:"commitInfo,omitempty"`
	DomainMetadata *domainMetadataAction `json:"domainMetadata,omitempty"`
}

type addAction struct {
	Path             string             `json:"path"`
	PartitionValues  map[string]*string `json:"partitionValues"`
	Size             int64              `json:"size"`
	ModificationTime int64              `json:"modificationTime"`
	DataChange       bool               `json:"dataChange"`
	Stats            string             `json:"stats,omitempty"`
	DeletionVector   *deletionVector    `json:"deletionVector,omitempty"`
}

type deletionVector struct {
	StorageType    string `json:"storageType"`
	PathOrInlineDv string `json:"pathOrInlineDv"`
	Offset         *int32 `json:"offset,omitempty"`
	SizeInBytes    int32  `json:"sizeInBytes"`
	Cardinality    int64  `json:"cardinality"`
}

type removeAction struct {
	Path              string `json:"path"`
	DeletionTimestamp *int64 `json:"deletionTimestamp,omitempty"`
	DataChange        bool   `json:"dataChange"`
	Size              *int64 `json:"size,omitempty"`
}

type metadataAction struct {
	ID               string            `json:"id"`
	Name             string            `json:"name,omitempty"`
	SchemaString     string            `json:"schemaString"`
	PartitionColumns []string          `json:"partitionColumns"`
	Configuration    map[string]string `json:"configuration"`
	CreatedTime      *int64            `json:"createdTime,omitempty"`
}

type protocolAction struct {
	MinReaderVersion int      `json:"minReaderVersion"`
	MinWriterVersion int      `json:"minWriterVersion"`
	ReaderFeatures   []string `json:"readerFeatures,omitempty"`
	WriterFeatures   []string `json:"writerFeatures,omitempty"`
}

type commitInfo struct {
	Timestamp           int64                  `json:"timestamp"`
	Operation           string                 `json:"operation"`
	OperationParameters map[string]interface{} `json:"operationParameters,omitempty"`
}

type domainMetadataAction struct {
	Domain        string `json:"domain"`
	Configuration string `json:"configuration"`
	Removed       bool   `json:"removed"`
}

// fileStats is the JSON document stored in add.stats.
type fileStats struct {
	NumRecords int64                  `json:"numRecords"`
	MinValues  map[string]interface{} `json:"minValues"`
}

// commit is a parsed commit file.
type commit struct {
	version int64
	actions []action
	info    *commitInfo
}

// parseCommit decodes newline delimited JSON actions. Blank lines are allowed.
func parseCommit(version int64, data []byte) (*commit, error) {
	c := &commit{version: version}
	scanner := bufio.NewScanner(bytes.NewReader(data))
	scanner.Buffer(make([]byte, 0, 64*1024), 64*1024*1024)

	line := 0
	for scanner.Scan() {
		line++
		raw := bytes.TrimSpace(scanner.Bytes())
		if len(raw) == 0 {
			continue
		}
		var a action
		if err := json.Unmarshal(raw, &a); err != nil {
			return nil, fmt.Errorf("line %d: %w", line, err)
		}
		if a.Add != nil && a.Add.Path == "" {
			return nil, fmt.Errorf("line %d: add action without path", line)
		}
		if a.Remove != nil && a.Remove.Path == "" {
			return nil, fmt.Errorf("line %d: remove action without path", line)
		}
		if a.CommitInfo != nil {
			c.info = a.CommitInfo
		}
		c.actions = append(c.actions, a)
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("line %d: %w", line+1, err)
	}
	return c, nil
}

// schemaField is a field of a Delta struct type.
type schemaField struct {
	Name     string          `json:"name"`
	Type     json.RawMessage `json:"type"`
	Nullable bool            `json:"nullable"`
}

type structType struct {
	Type   string        `json:"type"`
	Fields []schemaField `json:"fields"`
}

// typeName renders a field type: primitives as-is, nested types by kind.
func (f schemaField) typeName() string {
	var primitive string
	if err := json.Unmarshal(f.Type, &primitive); err == nil {
		return primitive
	}
	var nested struct {
		Type string `json:"type"`
	}
	if err := json.Unmarshal(f.Type, &nested); err == nil && nested.Type != "" {
		return nested.Type
	}
	return "unknown"
}

func parseSchemaString(s string) (*structType, error) {
	if strings.TrimSpace(s) == "" {
		return &structType{Type: "struct"}, nil
	}
	var st structType
	if err := json.Unmarshal([]byte(s), &st); err != nil {
		return nil, fmt.Errorf("invalid schemaString: %w", err)
	}
	return &st, nil
}

// clusteringColumns decodes the delta.clustering domain configuration.
func clusteringColumns(configuration string) []string {
	var cfg struct {
		ClusteringColumns [][]string `json:"clusteringColumns"`
	}
	if err := json.Unmarshal([]byte(configuration), &cfg); err != nil {
		return nil
	}
	cols := make([]string, 0, len(cfg.ClusteringColumns))
	for _, path := range cfg.ClusteringColumns {
		if len(path) > 0 {
			cols = append(cols, strings.Join(path, "."))
		}
	}
	return cols
}

// zOrderColumns extracts the zOrderBy parameter of an OPTIMIZE commit. The
// parameter is itself JSON encoded.
func zOrderColumns(info *commitInfo) []string {
	if info == nil || !strings.EqualFold(info.Operation, "OPTIMIZE") {
		return nil
	}
	raw, ok := info.OperationParameters["zOrderBy"]
	if !ok {
		return nil
	}
	var cols []string
	switch v := raw.(type) {
	case string:
		if err := json.Unmarshal([]byte(v), &cols); err != nil {
			return nil
		}
	case []interface{}:
		for _, c := range v {
			if s, ok := c.(string); ok {
				cols = append(cols, s)
			}
		}
	}
	return cols
}

func stringify(v interface{}) string {
	switch t := v.(type) {
	case nil:
		return ""
	case string:
		return t
	case float64, bool:
		return fmt.Sprint(t)
	default:
		b, _ := json.Marshal(t)
		return string(b)
	}
}
