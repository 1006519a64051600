package pdrcachemgr

import (
	"fmt"
	"strings"
)

// AIPID identifies an archival information package member: a dataset id,
// an optional path within the dataset, and an optional version.
//
// Grammar: dsid[/filepath][#version]
type AIPID struct {
	DatasetID string
	FilePath  string // empty for the dataset's head/root member
	Version   string // empty means "latest"
}

// ParseAIPID parses an AIP-ID string of the form "dsid[/filepath][#version]".
func ParseAIPID(s string) (AIPID, error) {
	if s == "" {
		return AIPID{}, fmt.Errorf("empty AIP-ID")
	}

	body, version, _ := strings.Cut(s, "#")
	if strings.Contains(version, "#") {
		return AIPID{}, fmt.Errorf("invalid AIP-ID %q: multiple '#' separators", s)
	}

	dsid, filePath, hasPath := strings.Cut(body, "/")
	if dsid == "" {
		return AIPID{}, fmt.Errorf("invalid AIP-ID %q: empty dataset id", s)
	}
	if !hasPath {
		filePath = ""
	}

	return AIPID{DatasetID: dsid, FilePath: filePath, Version: version}, nil
}

// String returns the canonical "dsid[/filepath][#version]" form.
func (id AIPID) String() string {
	var b strings.Builder
	b.WriteString(id.DatasetID)
	if id.FilePath != "" {
		b.WriteByte('/')
		b.WriteString(id.FilePath)
	}
	if id.Version != "" {
		b.WriteByte('#')
		b.WriteString(id.Version)
	}
	return b.String()
}

// IsHeadBag reports whether id addresses the dataset itself rather than a
// member file within it.
func (id AIPID) IsHeadBag() bool {
	return id.FilePath == ""
}

// DatasetPrefix returns the prefix under which all members of id's dataset
// are indexed, suitable for a selectObjectsLikeID-style prefix scan.
func (id AIPID) DatasetPrefix() string {
	return id.DatasetID + "/"
}
