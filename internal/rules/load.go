package rules

import (
	"io"
	"os"
	"time"

	"github.com/keithlinneman/xssguard/internal/cryptoutil"
	"github.com/keithlinneman/xssguard/internal/xerrors"
)

// Build parses and compiles data into a snapshot. meta.SHA256, when set,
// must match the digest of data; it is filled in otherwise. The document
// version is taken from the document itself.
func Build(data []byte, meta Meta) (*Snapshot, error) {
	sum := cryptoutil.SHA256Hex(data)
	if meta.SHA256 != "" && !cryptoutil.HashEqual(sum, meta.SHA256) {
		return nil, xerrors.Newf("rule document checksum mismatch: expected %s, got %s", meta.SHA256, sum)
	}
	meta.SHA256 = sum

	cfg, err := Parse(data)
	if err != nil {
		return nil, err
	}
	p, err := Compile(cfg)
	if err != nil {
		return nil, err
	}
	meta.Version = cfg.Version
	return &Snapshot{Policy: p, Meta: meta, LoadedAt: time.Now().UTC()}, nil
}

// LoadFile reads and compiles the rule document at path.
func LoadFile(path string) (*Snapshot, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, xerrors.Wrap(err, "open rule file")
	}
	defer f.Close()

	data, err := io.ReadAll(io.LimitReader(f, MaxDocumentBytes+1))
	if err != nil {
		return nil, xerrors.Wrapf(err, "read rule file %s", path)
	}
	snap, err := Build(data, Meta{Source: SourceFile, Location: path})
	if err != nil {
		return nil, xerrors.Wrapf(err, "load rule file %s", path)
	}
	return snap, nil
}
