package monitor

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"unicode"
)

// Descriptor is one row of the low-level discovery document. Numeric
// macros travel as strings, the server treats every macro value as
// text. Fresh rows carry placeholder values until the script reports
// for the first time.
type Descriptor struct {
	ScriptName     string `json:"{#SCRIPTNAME}"`
	ExitCode       string `json:"{#EXITCODE}"`
	ExitLine       string `json:"{#EXITLINE}"`
	ErrorCode      string `json:"{#ERRORCODE}"`
	ErrorLine      string `json:"{#ERRORLINE}"`
	RuntimeMessage string `json:"{#RUNTIMEMESSAGE}"`
}

// document wraps the rows the way the server side expects them.
type document struct {
	Data []Descriptor `json:"data"`
}

const (
	undefNumeric = "-1"
	undefMessage = "UNDEF"
)

func newDescriptor(name string) Descriptor {
	return Descriptor{
		ScriptName:     name,
		ExitCode:       undefNumeric,
		ExitLine:       undefNumeric,
		ErrorCode:      undefNumeric,
		ErrorLine:      undefNumeric,
		RuntimeMessage: undefMessage,
	}
}

// Discovery assembles the script inventory of a host from the
// configured script directories plus the explicitly listed extras.
type Discovery struct {
	rep     *Reporter
	marshal func(any) ([]byte, error)
}

// NewDiscovery returns a Discovery reading directories, extras and
// exclusions from rep's configuration.
func NewDiscovery(rep *Reporter) *Discovery {
	return &Discovery{
		rep:     rep,
		marshal: json.Marshal,
	}
}

// Publish builds the discovery document and returns its JSON encoding.
// The document is validated by parsing it back before it is handed out;
// a document that fails validation is never returned, instead the
// failure is pushed into the runtime message slot and the call errors
// with ErrInvalidJSON.
func (d *Discovery) Publish(ctx context.Context) ([]byte, error) {
	names, err := d.collect()
	if err != nil {
		return nil, err
	}

	doc := document{Data: make([]Descriptor, 0, len(names))}
	for _, name := range names {
		doc.Data = append(doc.Data, newDescriptor(name))
	}

	out, err := d.marshal(doc)
	if err != nil {
		return nil, fmt.Errorf("encode discovery document: %w", err)
	}
	if !json.Valid(out) {
		msg := fmt.Sprintf("Discovery document for %d script(s) failed JSON validation", len(doc.Data))
		_ = d.rep.Report(ctx, "", msg, RuntimeMessage)
		return nil, fmt.Errorf("%w: %d byte document", ErrInvalidJSON, len(out))
	}

	d.rep.logger.Debug("Discovery document built",
		"scripts", len(doc.Data))
	return out, nil
}

// collect gathers announceable script names. Directory entries pass
// three filters in order: not excluded, a regular file, no whitespace
// in the name. Extra scripts are announced as long as they exist as
// regular files, they were listed deliberately and skip the other two
// filters. Duplicate names are kept but flagged, two scripts sharing a
// name also share their metric slots on the server.
func (d *Discovery) collect() ([]string, error) {
	var names []string
	seen := make(map[string]int)

	for _, dir := range d.rep.cfg.ScriptDirs {
		entries, err := os.ReadDir(dir)
		if err != nil {
			return nil, fmt.Errorf("read script directory %s: %w", dir, err)
		}
		for _, entry := range entries {
			name := entry.Name()
			if d.rep.excludedScript(name) {
				d.rep.logger.Debug("Script excluded from discovery",
					"script", name)
				continue
			}
			info, err := entry.Info()
			if err != nil {
				d.rep.logger.Warn("Skipping unreadable directory entry",
					"entry", name,
					"error", err)
				continue
			}
			if !info.Mode().IsRegular() {
				continue
			}
			if strings.IndexFunc(name, unicode.IsSpace) >= 0 {
				d.rep.logger.Warn("Skipping script with whitespace in name",
					"script", name)
				continue
			}
			names = append(names, name)
			seen[name]++
		}
	}

	for _, path := range d.rep.cfg.ExtraScripts {
		info, err := os.Stat(path)
		if err != nil {
			d.rep.logger.Warn("Skipping additional script",
				"path", path,
				"error", err)
			continue
		}
		if !info.Mode().IsRegular() {
			d.rep.logger.Warn("Skipping additional non-file entry",
				"path", path)
			continue
		}
		name := filepath.Base(path)
		names = append(names, name)
		seen[name]++
	}

	for name, count := range seen {
		if count > 1 {
			d.rep.logger.Warn("Duplicate script name in discovery",
				"script", name,
				"count", count)
		}
	}

	return names, nil
}
