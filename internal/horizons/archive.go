package horizons

import (
	"encoding/csv"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/void4/ephemeritrack/internal/ephem"
)

// ErrNoArchive is returned by LoadLatest when no window has been saved.
var ErrNoArchive = errors.New("no archived window")

const (
	archivePrefix = "window_"
	archiveSuffix = ".csv"
)

var archiveHeader = []string{"time", "ra_deg", "dec_deg"}

// Archive keeps fetched windows on disk as CSV files named
// window_<unix>.csv. Only the newest maxFiles are kept.
type Archive struct {
	dir      string
	maxFiles int
}

// NewArchive creates an Archive in dir keeping at most maxFiles windows.
func NewArchive(dir string, maxFiles int) *Archive {
	if maxFiles <= 0 {
		maxFiles = 5
	}
	return &Archive{
		dir:      dir,
		maxFiles: maxFiles,
	}
}

// Save writes w to a file stamped with ts and prunes old files.
func (a *Archive) Save(w *ephem.Window, ts time.Time) error {
	if err := os.MkdirAll(a.dir, 0755); err != nil {
		return fmt.Errorf("creating archive dir: %w", err)
	}

	name := fmt.Sprintf("%s%d%s", archivePrefix, ts.Unix(), archiveSuffix)
	tmp, err := os.CreateTemp(a.dir, name+".tmp*")
	if err != nil {
		return fmt.Errorf("creating archive file: %w", err)
	}
	defer os.Remove(tmp.Name())

	cw := csv.NewWriter(tmp)
	cw.Write(archiveHeader)
	for _, s := range w.Samples() {
		cw.Write([]string{
			s.Time.UTC().Format(time.RFC3339Nano),
			strconv.FormatFloat(s.RA, 'f', -1, 64),
			strconv.FormatFloat(s.Dec, 'f', -1, 64),
		})
	}
	cw.Flush()
	if err := cw.Error(); err != nil {
		tmp.Close()
		return fmt.Errorf("writing archive file: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("closing archive file: %w", err)
	}
	if err := os.Rename(tmp.Name(), filepath.Join(a.dir, name)); err != nil {
		return fmt.Errorf("renaming archive file: %w", err)
	}

	return a.prune()
}

// LoadLatest reads the newest archived window and its timestamp.
func (a *Archive) LoadLatest() (*ephem.Window, time.Time, error) {
	files, err := a.listFiles()
	if err != nil {
		return nil, time.Time{}, err
	}
	if len(files) == 0 {
		return nil, time.Time{}, ErrNoArchive
	}

	// Files are sorted oldest first; take the last one.
	latest := files[len(files)-1]
	w, err := readWindow(filepath.Join(a.dir, latest.name))
	if err != nil {
		return nil, time.Time{}, err
	}
	return w, latest.ts, nil
}

func readWindow(path string) (*ephem.Window, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("opening archive file: %w", err)
	}
	defer f.Close()

	records, err := csv.NewReader(f).ReadAll()
	if err != nil {
		return nil, fmt.Errorf("reading archive file %s: %w", filepath.Base(path), err)
	}
	if len(records) > 0 && records[0][0] == archiveHeader[0] {
		records = records[1:]
	}

	samples := make([]ephem.Sample, 0, len(records))
	for i, rec := range records {
		if len(rec) != 3 {
			return nil, fmt.Errorf("archive row %d: expected 3 columns, got %d", i+1, len(rec))
		}
		t, err := time.Parse(time.RFC3339Nano, rec[0])
		if err != nil {
			return nil, fmt.Errorf("archive row %d: %w", i+1, err)
		}
		ra, err := strconv.ParseFloat(rec[1], 64)
		if err != nil {
			return nil, fmt.Errorf("archive row %d: %w", i+1, err)
		}
		dec, err := strconv.ParseFloat(rec[2], 64)
		if err != nil {
			return nil, fmt.Errorf("archive row %d: %w", i+1, err)
		}
		samples = append(samples, ephem.Sample{Time: t, RA: ra, Dec: dec})
	}
	return ephem.NewWindow(samples)
}

type archiveFile struct {
	name string
	ts   time.Time
}

func (a *Archive) listFiles() ([]archiveFile, error) {
	entries, err := os.ReadDir(a.dir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("listing archive dir: %w", err)
	}

	var files []archiveFile
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		name := e.Name()
		if !strings.HasPrefix(name, archivePrefix) || !strings.HasSuffix(name, archiveSuffix) {
			continue
		}
		tsStr := strings.TrimSuffix(strings.TrimPrefix(name, archivePrefix), archiveSuffix)
		unix, err := strconv.ParseInt(tsStr, 10, 64)
		if err != nil {
			continue
		}
		files = append(files, archiveFile{name: name, ts: time.Unix(unix, 0)})
	}

	sort.Slice(files, func(i, j int) bool {
		return files[i].ts.Before(files[j].ts)
	})
	return files, nil
}

func (a *Archive) prune() error {
	files, err := a.listFiles()
	if err != nil {
		return err
	}
	if len(files) <= a.maxFiles {
		return nil
	}

	for _, f := range files[:len(files)-a.maxFiles] {
		if err := os.Remove(filepath.Join(a.dir, f.name)); err != nil {
			return fmt.Errorf("pruning archive file %s: %w", f.name, err)
		}
	}
	return nil
}
