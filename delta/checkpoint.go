package delta

import (
	"bytes"
	"errors"
	"fmt"
	"io"

	"github.com/parquet-go/parquet-go"
)

// checkpointRow mirrors the columns of a Delta checkpoint file that the
// reader needs. Every column is optional because each row carries exactly
// one action.
type checkpointRow struct {
	Add            *checkpointAdd      `parquet:"add,optional"`
	Remove         *checkpointRemove   `parquet:"remove,optional"`
	MetaData       *checkpointMetadata `parquet:"metaData,optional"`
	Protocol       *checkpointProtocol `parquet:"protocol,optional"`
	DomainMetadata *checkpointDomain   `parquet:"domainMetadata,optional"`
}

type checkpointAdd struct {
	Path             string                    `parquet:"path,optional"`
	PartitionValues  map[string]string         `parquet:"partitionValues,optional"`
	Size             int64                     `parquet:"size,optional"`
	ModificationTime int64                     `parquet:"modificationTime,optional"`
	DataChange       bool                      `parquet:"dataChange,optional"`
	Stats            *string                   `parquet:"stats,optional"`
	DeletionVector   *checkpointDeletionVector `parquet:"deletionVector,optional"`
}

type checkpointDeletionVector struct {
	StorageType    string `parquet:"storageType,optional"`
	PathOrInlineDv string `parquet:"pathOrInlineDv,optional"`
	Offset         *int32 `parquet:"offset,optional"`
	SizeInBytes    int32  `parquet:"sizeInBytes,optional"`
	Cardinality    int64  `parquet:"cardinality,optional"`
}

type checkpointRemove struct {
	Path              string `parquet:"path,optional"`
	DeletionTimestamp *int64 `parquet:"deletionTimestamp,optional"`
	DataChange        bool   `parquet:"dataChange,optional"`
	Size              *int64 `parquet:"size,optional"`
}

type checkpointMetadata struct {
	ID               string            `parquet:"id,optional"`
	Name             *string           `parquet:"name,optional"`
	SchemaString     string            `parquet:"schemaString,optional"`
	PartitionColumns []string          `parquet:"partitionColumns,optional,list"`
	Configuration    map[string]string `parquet:"configuration,optional"`
	CreatedTime      *int64            `parquet:"createdTime,optional"`
}

type checkpointProtocol struct {
	MinReaderVersion int32    `parquet:"minReaderVersion,optional"`
	MinWriterVersion int32    `parquet:"minWriterVersion,optional"`
	ReaderFeatures   []string `parquet:"readerFeatures,optional,list"`
	WriterFeatures   []string `parquet:"writerFeatures,optional,list"`
}

type checkpointDomain struct {
	Domain        string `parquet:"domain,optional"`
	Configuration string `parquet:"configuration,optional"`
	Removed       bool   `parquet:"removed,optional"`
}

const checkpointBatchSize = 512

// readCheckpoint decodes one checkpoint part into actions.
func readCheckpoint(data []byte) (actions []action, err error) {
	defer func() {
		// parquet-go panics on some malformed inputs
		if r := recover(); r != nil {
			actions, err = nil, fmt.Errorf("invalid parquet file: %v", r)
		}
	}()

	f, err := parquet.OpenFile(bytes.NewReader(data), int64(len(data)))
	if err != nil {
		return nil, fmt.Errorf("failed to open checkpoint: %w", err)
	}

	reader := parquet.NewGenericReader[checkpointRow](f)
	defer reader.Close()

	rows := make([]checkpointRow, checkpointBatchSize)
	for {
		clear(rows)
		n, readErr := reader.Read(rows)
		for i := 0; i < n; i++ {
			if a, ok := rows[i].toAction(); ok {
				actions = append(actions, a)
			}
		}
		if errors.Is(readErr, io.EOF) {
			return actions, nil
		}
		if readErr != nil {
			return nil, fmt.Errorf("failed to read checkpoint rows: %w", readErr)
		}
		if n == 0 {
			return actions, nil
		}
	}
}

func (r *checkpointRow) toAction() (action, bool) {
	switch {
	case r.Add != nil && r.Add.Path != "":
		add := &addAction{
			Path:             r.Add.Path,
			Size:             r.Add.Size,
			ModificationTime: r.Add.ModificationTime,
			DataChange:       r.Add.DataChange,
		}
		if len(r.Add.PartitionValues) > 0 {
			add.PartitionValues = make(map[string]*string, len(r.Add.PartitionValues))
			for k, v := range r.Add.PartitionValues {
				v := v
				add.PartitionValues[k] = &v
			}
		}
		if r.Add.Stats != nil {
			add.Stats = *r.Add.Stats
		}
		if dv := r.Add.DeletionVector; dv != nil && dv.StorageType != "" {
			add.DeletionVector = &deletionVector{
				StorageType:    dv.StorageType,
				PathOrInlineDv: dv.PathOrInlineDv,
				Offset:         dv.Offset,
				SizeInBytes:    dv.SizeInBytes,
				Cardinality:    dv.Cardinality,
			}
		}
		return action{Add: add}, true
	case r.Remove != nil && r.Remove.Path != "":
		return action{Remove: &removeAction{
			Path:              r.Remove.Path,
			DeletionTimestamp: r.Remove.DeletionTimestamp,
			DataChange:        r.Remove.DataChange,
			Size:              r.Remove.Size,
		}}, true
	case r.MetaData != nil:
		md := &metadataAction{
			ID:               r.MetaData.ID,
			SchemaString:     r.MetaData.SchemaString,
			PartitionColumns: r.MetaData.PartitionColumns,
			Configuration:    r.MetaData.Configuration,
			CreatedTime:      r.MetaData.CreatedTime,
		}
		if r.MetaData.Name != nil {
			md.Name = *r.MetaData.Name
		}
		return action{MetaData: md}, true
	case r.Protocol != nil:
		return action{Protocol: &protocolAction{
			MinReaderVersion: int(r.Protocol.MinReaderVersion),
			MinWriterVersion: int(r.Protocol.MinWriterVersion),
			ReaderFeatures:   r.Protocol.ReaderFeatures,
			WriterFeatures:   r.Protocol.WriterFeatures,
		}}, true
	case r.DomainMetadata != nil && r.DomainMetadata.Domain != "":
		return action{DomainMetadata: &domainMetadataAction{
			Domain:        r.DomainMetadata.Domain,
			Configuration: r.DomainMetadata.Configuration,
			Removed:       r.DomainMetadata.Removed,
		}}, true
	}
	return action{}, false
}

// writeCheckpoint encodes actions as a single-part checkpoint. It produces
// the fixtures used by the reader's tests and the sample table generator.
func writeCheckpoint(w io.Writer, actions []action) error {
	rows := make([]checkpointRow, 0, len(actions))
	for _, a := range actions {
		var row checkpointRow
		switch {
		case a.Add != nil:
			add := &checkpointAdd{
				Path:             a.Add.Path,
				Size:             a.Add.Size,
				ModificationTime: a.Add.ModificationTime,
				DataChange:       a.Add.DataChange,
			}
			if len(a.Add.PartitionValues) > 0 {
				add.PartitionValues = make(map[string]string, len(a.Add.PartitionValues))
				for k, v := range a.Add.PartitionValues {
					if v != nil {
						add.PartitionValues[k] = *v
					}
				}
			}
			if a.Add.Stats != "" {
				stats := a.Add.Stats
				add.Stats = &stats
			}
			if dv := a.Add.DeletionVector; dv != nil {
				add.DeletionVector = &checkpointDeletionVector{
					StorageType:    dv.StorageType,
					PathOrInlineDv: dv.PathOrInlineDv,
					Offset:         dv.Offset,
					SizeInBytes:    dv.SizeInBytes,
					Cardinality:    dv.Cardinality,
				}
			}
			row.Add = add
		case a.Remove != nil:
			row.Remove = &checkpointRemove{
				Path:              a.Remove.Path,
				DeletionTimestamp: a.Remove.DeletionTimestamp,
				DataChange:        a.Remove.DataChange,
				Size:              a.Remove.Size,
			}
		case a.MetaData != nil:
			md := &checkpointMetadata{
				ID:               a.MetaData.ID,
				SchemaString:     a.MetaData.SchemaString,
				PartitionColumns: a.MetaData.PartitionColumns,
				Configuration:    a.MetaData.Configuration,
				CreatedTime:      a.MetaData.CreatedTime,
			}
			if a.MetaData.Name != "" {
				name := a.MetaData.Name
				md.Name = &name
			}
			row.MetaData = md
		case a.Protocol != nil:
			row.Protocol = &checkpointProtocol{
				MinReaderVersion: int32(a.Protocol.MinReaderVersion),
				MinWriterVersion: int32(a.Protocol.MinWriterVersion),
				ReaderFeatures:   a.Protocol.ReaderFeatures,
				WriterFeatures:   a.Protocol.WriterFeatures,
			}
		case a.DomainMetadata != nil:
			row.DomainMetadata = &checkpointDomain{
				Domain:        a.DomainMetadata.Domain,
				Configuration: a.DomainMetadata.Configuration,
				Removed:       a.DomainMetadata.Removed,
			}
		default:
			continue
		}
		rows = append(rows, row)
	}

	writer := parquet.NewGenericWriter[checkpointRow](w)
	if _, err := writer.Write(rows); err != nil {
		return fmt.Errorf("failed to write checkpoint rows: %w", err)
	}
	if err := writer.Close(); err != nil {
		return fmt.Errorf("failed to close checkpoint writer: %w", err)
	}
	return nil
}
