package syncupdate

import (
	"archive/tar"
	"bufio"
	"bytes"
	"errors"
	"fmt"
	"io"
	"path"
	"regexp"
	"strings"

	"github.com/klauspost/compress/gzip"
)

var checksumLineRe = regexp.MustCompile(`^([0-9a-f]{64})\s+\*?(\S+)$`)

// parseChecksums reads sha256sum output keyed by file base name. The
// release publishes the sums inside a PGP clearsign wrapper; armor and
// signature lines simply never match the sum pattern, so they fall out
// without dedicated handling.
func parseChecksums(data []byte) map[string]string {
	sums := make(map[string]string)
	sc := bufio.NewScanner(bytes.NewReader(data))
	for sc.Scan() {
		m := checksumLineRe.FindStringSubmatch(strings.TrimSpace(sc.Text()))
		if m == nil {
			continue
		}
		sums[path.Base(m[2])] = m[1]
	}
	return sums
}

// extractMember copies the first regular tar member with the given base
// name from the gzipped tarball read from r into w.
func extractMember(r io.Reader, member string, w io.Writer) error {
	gz, err := gzip.NewReader(r)
	if err != nil {
		return fmt.Errorf("open gzip stream: %w", err)
	}
	defer gz.Close()

	tr := tar.NewReader(gz)
	for {
		hdr, err := tr.Next()
		if errors.Is(err, io.EOF) {
			return fmt.Errorf("archive has no %q member", member)
		}
		if err != nil {
			return fmt.Errorf("read archive: %w", err)
		}
		if hdr.Typeflag != tar.TypeReg || path.Base(hdr.Name) != member {
			continue
		}
		if _, err := io.Copy(w, tr); err != nil {
			return fmt.Errorf("extract %s: %w", hdr.Name, err)
		}
		return nil
	}
}
