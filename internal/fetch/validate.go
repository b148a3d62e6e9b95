package fetch

import (
	"bufio"
	"fmt"
	"io"
	"os"

	"github.com/klauspost/compress/gzip"
	"github.com/parquet-go/parquet-go"

	"github.com/withObsrvr/tripdata-loader/internal/catalog"
)

// checkArtifact verifies that the file at path looks like a complete
// artifact of the given format. A quick check only reads the header (gzip)
// or footer (parquet); a full check also inflates the whole gzip stream so
// the trailing CRC and length are verified.
func checkArtifact(path string, format catalog.Format, minSize int64, full bool) error {
	f, err := os.Open(path)
	if err != nil {
		return err
	}
	defer f.Close()

	info, err := f.Stat()
	if err != nil {
		return err
	}
	if info.Size() == 0 || info.Size() < minSize {
		return fmt.Errorf("%w: %d bytes", ErrInvalidArtifact, info.Size())
	}

	switch format {
	case catalog.CSVGzip:
		return checkGzip(f, full)
	case catalog.Parquet:
		return checkParquet(f, info.Size())
	default:
		return fmt.Errorf("%w: unknown format %q", ErrInvalidArtifact, format)
	}
}

func checkGzip(r io.Reader, full bool) error {
	zr, err := gzip.NewReader(bufio.NewReader(r))
	if err != nil {
		return fmt.Errorf("%w: gzip header: %v", ErrInvalidArtifact, err)
	}
	defer zr.Close()

	if !full {
		var b [1]byte
		if _, err := zr.Read(b[:]); err != nil && err != io.EOF {
			return fmt.Errorf("%w: gzip body: %v", ErrInvalidArtifact, err)
		}
		return nil
	}

	if _, err := io.Copy(io.Discard, zr); err != nil {
		return fmt.Errorf("%w: gzip stream: %v", ErrInvalidArtifact, err)
	}
	return nil
}

func checkParquet(f *os.File, size int64) error {
	pf, err := parquet.OpenFile(f, size)
	if err != nil {
		return fmt.Errorf("%w: parquet footer: %v", ErrInvalidArtifact, err)
	}
	if pf.NumRows() < 0 {
		return fmt.Errorf("%w: parquet row count %d", ErrInvalidArtifact, pf.NumRows())
	}
	return nil
}
