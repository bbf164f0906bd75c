package calseg

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"

	"github.com/xcplite/xcpgo/internal/crc"
)

// frozenFile is the on-disk shape of a JSON-persisted calibration
// segment, written by JSONPersister (spec.md §6: "optional JSON file per
// calibration segment, emitted by a serializer collaborator").
type frozenFile struct {
	Segment  string `json:"segment"`
	Index    uint8  `json:"index"`
	CRC16    uint16 `json:"crc16"`
	Data     []byte `json:"data"`
	DataSize int    `json:"size"`
}

// JSONPersister is the built-in Persister: one JSON file per segment
// under Dir, named <segment>.json.
type JSONPersister struct {
	Dir string
}

// Persist writes page to <Dir>/<segName>.json.
func (p JSONPersister) Persist(segName string, index uint8, page []byte, checksum uint16) error {
	doc := frozenFile{
		Segment:  segName,
		Index:    index,
		CRC16:    checksum,
		Data:     page,
		DataSize: len(page),
	}
	raw, err := json.MarshalIndent(doc, "", "  ")
	if err != nil {
		return err
	}
	path := filepath.Join(p.Dir, segName+".json")
	return os.WriteFile(path, raw, 0o644)
}

// Load reads back a previously frozen segment file, verifying its
// checksum against the stored data.
func (p JSONPersister) Load(segName string) (data []byte, checksum uint16, err error) {
	path := filepath.Join(p.Dir, segName+".json")
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, 0, err
	}
	var doc frozenFile
	if err := json.Unmarshal(raw, &doc); err != nil {
		return nil, 0, err
	}
	var sum crc.CRC16
	sum.Block(doc.Data)
	if uint16(sum) != doc.CRC16 {
		return nil, 0, fmt.Errorf("calseg: %s: checksum mismatch: stored %#04x, computed %#04x", path, doc.CRC16, uint16(sum))
	}
	return doc.Data, doc.CRC16, nil
}
