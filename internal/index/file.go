package index

import (
	"bytes"
	"context"
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"math"
	"os"
	"path/filepath"
	"slices"
	"strconv"
	"strings"

	"github.com/54b3r/medrag-go/internal/rag"
)

// Artifact names inside a file snapshot directory. Each committed generation
// N is a pair of files, index.N.bin and metadata.N.json. ManifestFile names the
// live generation and is switched with a single rename, so a commit that
// fails part way leaves the previous pair live.
const (
	// ManifestFile records the live generation.
	ManifestFile = "CURRENT"

	vectorsPrefix  = "index."
	vectorsSuffix  = ".bin"
	metadataPrefix = "metadata."
	metadataSuffix = ".json"
)

// VectorsFile returns the name of the vector artifact of generation gen.
func VectorsFile(gen uint64) string {
	return vectorsPrefix + strconv.FormatUint(gen, 10) + vectorsSuffix
}

// MetadataFile returns the name of the metadata artifact of generation gen.
func MetadataFile(gen uint64) string {
	return metadataPrefix + strconv.FormatUint(gen, 10) + metadataSuffix
}

// fileMagic opens every vector artifact.
var fileMagic = [4]byte{'M', 'R', 'I', 'X'}

// manifestDoc is the JSON layout of ManifestFile.
type manifestDoc struct {
	Version    int    `json:"version"`
	Generation uint64 `json:"generation"`
}

// metadataDoc is the JSON layout of a metadata artifact.
type metadataDoc struct {
	Version    int           `json:"version"`
	Generation uint64        `json:"generation"`
	Records    []metadataRow `json:"records"`
}

type metadataRow struct {
	rag.Record
	Deleted bool `json:"deleted,omitempty"`
}

// FilePersister stores the snapshot as two artifacts in one directory: a
// binary vector file and a JSON metadata file, both named by generation.
// A commit writes the new pair, then points ManifestFile at it, then removes
// every other pair.
type FilePersister struct {
	dir string
	// snap is the last committed snapshot; commits build a new one and only
	// swap it in after the manifest points at it.
	snap *Snapshot
	// write stores one file atomically.
	write func(path string, data []byte) error
}

// OpenFile returns a persister rooted at dir, creating the directory if needed.
func OpenFile(dir string) (*FilePersister, error) {
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return nil, fmt.Errorf("index: could not create %s: %w", dir, err)
	}
	return &FilePersister{dir: dir, write: writeFileAtomic}, nil
}

// Load reads the generation named by the manifest. It returns nil when no
// manifest exists and rag.ErrPersistence when an artifact is missing or the
// pair disagrees.
func (p *FilePersister) Load(_ context.Context) (*Snapshot, error) {
	manBytes, err := os.ReadFile(filepath.Join(p.dir, ManifestFile))
	if errors.Is(err, fs.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("index: read %s: %w: %w", ManifestFile, rag.ErrPersistence, err)
	}
	var man manifestDoc
	if err := json.Unmarshal(manBytes, &man); err != nil {
		return nil, fmt.Errorf("index: %s: %w: %w", ManifestFile, rag.ErrPersistence, err)
	}
	if man.Version != FormatVersion {
		return nil, fmt.Errorf("index: %s: %w: version %d, want %d", ManifestFile, rag.ErrPersistence, man.Version, FormatVersion)
	}

	vecName, mdName := VectorsFile(man.Generation), MetadataFile(man.Generation)
	vecBytes, err := os.ReadFile(filepath.Join(p.dir, vecName))
	if err != nil {
		return nil, fmt.Errorf("index: read %s: %w: %w", vecName, rag.ErrPersistence, err)
	}
	mdBytes, err := os.ReadFile(filepath.Join(p.dir, mdName))
	if err != nil {
		return nil, fmt.Errorf("index: read %s: %w: %w", mdName, rag.ErrPersistence, err)
	}

	snap, vectors, err := decodeVectorsFile(vecBytes)
	if err != nil {
		return nil, fmt.Errorf("index: %s: %w: %w", vecName, rag.ErrPersistence, err)
	}

	var doc metadataDoc
	if err := json.Unmarshal(mdBytes, &doc); err != nil {
		return nil, fmt.Errorf("index: %s: %w: %w", mdName, rag.ErrPersistence, err)
	}
	if doc.Version != FormatVersion {
		return nil, fmt.Errorf("index: %s: %w: version %d, want %d", mdName, rag.ErrPersistence, doc.Version, FormatVersion)
	}
	if snap.Generation != man.Generation || doc.Generation != man.Generation {
		return nil, fmt.Errorf("index: %w: %s generation %d and %s generation %d do not match %s generation %d",
			rag.ErrPersistence, vecName, snap.Generation, mdName, doc.Generation, ManifestFile, man.Generation)
	}
	if len(doc.Records) != len(vectors) {
		return nil, fmt.Errorf("index: %w: %d vectors but %d records", rag.ErrPersistence, len(vectors), len(doc.Records))
	}

	snap.Rows = make([]Row, len(vectors))
	for i, v := range vectors {
		snap.Rows[i] = Row{Position: i, Vector: v, Record: doc.Records[i].Record, Deleted: doc.Records[i].Deleted}
	}
	p.snap = snap
	return snap, nil
}

// Append commits rows after the current snapshot.
func (p *FilePersister) Append(_ context.Context, rows []Row) error {
	if p.snap == nil {
		return fmt.Errorf("index: append: %w: no snapshot", rag.ErrPersistence)
	}
	next := &Snapshot{
		Header:     p.snap.Header,
		Generation: p.snap.Generation + 1,
		Rows:       slices.Concat(p.snap.Rows, rows),
	}
	return p.commit("append", next)
}

// MarkDeleted commits tombstones for positions.
func (p *FilePersister) MarkDeleted(_ context.Context, positions []int) error {
	if p.snap == nil {
		return fmt.Errorf("index: mark deleted: %w: no snapshot", rag.ErrPersistence)
	}
	next := &Snapshot{
		Header:     p.snap.Header,
		Generation: p.snap.Generation + 1,
		Rows:       slices.Clone(p.snap.Rows),
	}
	for _, pos := range positions {
		if pos < 0 || pos >= len(next.Rows) {
			return fmt.Errorf("index: mark deleted: %w: position %d not stored", rag.ErrPersistence, pos)
		}
		next.Rows[pos].Deleted = true
	}
	return p.commit("mark deleted", next)
}

// Replace commits snap as the whole snapshot.
func (p *FilePersister) Replace(_ context.Context, snap *Snapshot) error {
	next := &Snapshot{Header: snap.Header, Generation: snap.Generation, Rows: slices.Clone(snap.Rows)}
	if p.snap != nil && next.Generation <= p.snap.Generation {
		next.Generation = p.snap.Generation + 1
	}
	return p.commit("replace", next)
}

// Close is a no-op; every commit is already on disk.
func (p *FilePersister) Close() error { return nil }

// commit writes the artifact pair for next, switches the manifest to it and
// adopts it. Until the manifest rename succeeds the previous generation stays
// live on disk and in p.snap.
func (p *FilePersister) commit(op string, next *Snapshot) error {
	if err := validateRows(next.Header, next.Rows); err != nil {
		return fmt.Errorf("index: %s: %w", op, err)
	}

	vecBytes := encodeVectorsFile(next)
	doc := metadataDoc{Version: FormatVersion, Generation: next.Generation, Records: make([]metadataRow, len(next.Rows))}
	for i, row := range next.Rows {
		rec := row.Record
		rec.Metadata = rec.Metadata.Clone()
		doc.Records[i] = metadataRow{Record: rec, Deleted: row.Deleted}
	}
	mdBytes, err := json.Marshal(doc)
	if err != nil {
		return fmt.Errorf("index: %s: encode metadata: %w: %w", op, rag.ErrPersistence, err)
	}
	manBytes, err := json.Marshal(manifestDoc{Version: FormatVersion, Generation: next.Generation})
	if err != nil {
		return fmt.Errorf("index: %s: encode manifest: %w: %w", op, rag.ErrPersistence, err)
	}

	vecPath := filepath.Join(p.dir, VectorsFile(next.Generation))
	mdPath := filepath.Join(p.dir, MetadataFile(next.Generation))
	drop := func() {
		_ = os.Remove(vecPath)
		_ = os.Remove(mdPath)
	}

	if err := p.write(vecPath, vecBytes); err != nil {
		drop()
		return fmt.Errorf("index: %s: %w: %w", op, rag.ErrPersistence, err)
	}
	if err := p.write(mdPath, mdBytes); err != nil {
		drop()
		return fmt.Errorf("index: %s: %w: %w", op, rag.ErrPersistence, err)
	}
	if err := p.write(filepath.Join(p.dir, ManifestFile), manBytes); err != nil {
		drop()
		return fmt.Errorf("index: %s: %w: %w", op, rag.ErrPersistence, err)
	}
	p.snap = next
	p.sweep(next.Generation)
	return nil
}

// sweep removes every artifact that does not belong to generation live,
// including pairs orphaned by earlier failed commits. Errors are ignored:
// stale files are never loaded.
func (p *FilePersister) sweep(live uint64) {
	entries, err := os.ReadDir(p.dir)
	if err != nil {
		return
	}
	for _, e := range entries {
		gen, ok := artifactGeneration(e.Name())
		if ok && gen != live {
			_ = os.Remove(filepath.Join(p.dir, e.Name()))
		}
	}
}

// artifactGeneration parses the generation out of an artifact file name.
func artifactGeneration(name string) (uint64, bool) {
	for _, affix := range [][2]string{{vectorsPrefix, vectorsSuffix}, {metadataPrefix, metadataSuffix}} {
		rest, ok := strings.CutPrefix(name, affix[0])
		if !ok {
			continue
		}
		num, ok := strings.CutSuffix(rest, affix[1])
		if !ok {
			continue
		}
		gen, err := strconv.ParseUint(num, 10, 64)
		if err != nil {
			continue
		}
		return gen, true
	}
	return 0, false
}

// encodeVectorsFile lays out: magic, version u32, dimension u32, metric
// length u32, metric bytes, generation u64, count u32, then count*dimension
// little-endian float32 values.
func encodeVectorsFile(s *Snapshot) []byte {
	var buf bytes.Buffer
	buf.Write(fileMagic[:])
	putU32 := func(v uint32) { _ = binary.Write(&buf, binary.LittleEndian, v) }
	putU32(FormatVersion)
	putU32(uint32(s.Header.Dimension)) //nolint:gosec // dimension is positive and small
	putU32(uint32(len(s.Header.Metric)))
	buf.WriteString(string(s.Header.Metric))
	_ = binary.Write(&buf, binary.LittleEndian, s.Generation)
	putU32(uint32(len(s.Rows))) //nolint:gosec // row count fits u32
	for _, row := range s.Rows {
		buf.Write(encodeVector(row.Vector))
	}
	return buf.Bytes()
}

// decodeVectorsFile parses a vector artifact into a header-only snapshot and the
// vectors in position order.
func decodeVectorsFile(data []byte) (*Snapshot, [][]float32, error) {
	r := bytes.NewReader(data)
	var magic [4]byte
	if _, err := io.ReadFull(r, magic[:]); err != nil || magic != fileMagic {
		return nil, nil, errors.New("bad magic")
	}
	var version, dim, metricLen, count uint32
	if err := binary.Read(r, binary.LittleEndian, &version); err != nil {
		return nil, nil, fmt.Errorf("read version: %w", err)
	}
	if version != FormatVersion {
		return nil, nil, fmt.Errorf("version %d, want %d", version, FormatVersion)
	}
	if err := binary.Read(r, binary.LittleEndian, &dim); err != nil {
		return nil, nil, fmt.Errorf("read dimension: %w", err)
	}
	if err := binary.Read(r, binary.LittleEndian, &metricLen); err != nil {
		return nil, nil, fmt.Errorf("read metric: %w", err)
	}
	if int(metricLen) > r.Len() {
		return nil, nil, errors.New("truncated metric")
	}
	metricBytes := make([]byte, metricLen)
	if _, err := io.ReadFull(r, metricBytes); err != nil {
		return nil, nil, fmt.Errorf("read metric: %w", err)
	}
	metric, err := ParseMetric(string(metricBytes))
	if err != nil {
		return nil, nil, err
	}
	snap := &Snapshot{Header: Header{Dimension: int(dim), Metric: metric}}
	if err := binary.Read(r, binary.LittleEndian, &snap.Generation); err != nil {
		return nil, nil, fmt.Errorf("read generation: %w", err)
	}
	if err := binary.Read(r, binary.LittleEndian, &count); err != nil {
		return nil, nil, fmt.Errorf("read count: %w", err)
	}
	if dim == 0 || uint64(r.Len()) != uint64(count)*uint64(dim)*4 {
		return nil, nil, fmt.Errorf("vector section holds %d bytes, want %d", r.Len(), uint64(count)*uint64(dim)*4)
	}

	vectors := make([][]float32, count)
	blob := data[len(data)-r.Len():]
	stride := int(dim) * 4
	for i := range vectors {
		v := make([]float32, dim)
		for j := range v {
			v[j] = math.Float32frombits(binary.LittleEndian.Uint32(blob[i*stride+j*4:]))
		}
		vectors[i] = v
	}
	return snap, vectors, nil
}

// writeFileAtomic writes data to a temp file in the target directory, syncs
// it, and renames it over path.
func writeFileAtomic(path string, data []byte) error {
	tmp, err := os.CreateTemp(filepath.Dir(path), "."+filepath.Base(path)+".tmp-*")
	if err != nil {
		return fmt.Errorf("create temp for %s: %w", path, err)
	}
	tmpName := tmp.Name()
	defer func() { _ = os.Remove(tmpName) }()

	if _, err := tmp.Write(data); err != nil {
		_ = tmp.Close()
		return fmt.Errorf("write %s: %w", tmpName, err)
	}
	if err := tmp.Sync(); err != nil {
		_ = tmp.Close()
		return fmt.Errorf("sync %s: %w", tmpName, err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("close %s: %w", tmpName, err)
	}
	if err := os.Rename(tmpName, path); err != nil {
		return fmt.Errorf("rename %s: %w", tmpName, err)
	}
	return nil
}
