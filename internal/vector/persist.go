package vector

import (
	"bufio"
	"encoding/binary"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"
)

const (
	indexFile = "student_faces.index"
	idsFile   = "id_map.json"

	formatVersion = 1
	kindFlat      = byte(0)
	kindIVF       = byte(1)
)

var indexMagic = [4]byte{'E', 'V', 'F', 'I'}

// saveLocked writes both files via temp+rename so a crash mid-write never
// leaves a truncated index next to a newer id map. Caller holds s.mu.
func (s *Store) saveLocked() error {
	if err := os.MkdirAll(s.dir, 0o755); err != nil {
		return fmt.Errorf("create index dir: %w", err)
	}

	if err := s.writeIndexFile(filepath.Join(s.dir, indexFile)); err != nil {
		return err
	}
	return s.writeIDsFile(filepath.Join(s.dir, idsFile))
}

func (s *Store) writeIndexFile(path string) error {
	tmp, err := os.CreateTemp(s.dir, indexFile+".tmp-*")
	if err != nil {
		return err
	}
	defer os.Remove(tmp.Name())

	w := bufio.NewWriter(tmp)
	n := s.core.ntotal()

	if _, err := w.Write(indexMagic[:]); err != nil {
		return err
	}
	if err := binary.Write(w, binary.LittleEndian, uint32(formatVersion)); err != nil {
		return err
	}
	kind := kindFlat
	if _, ok := s.core.(*ivfIndex); ok {
		kind = kindIVF
	}
	if err := w.WriteByte(kind); err != nil {
		return err
	}
	if err := binary.Write(w, binary.LittleEndian, uint32(s.dim)); err != nil {
		return err
	}
	if err := binary.Write(w, binary.LittleEndian, uint32(n)); err != nil {
		return err
	}
	for i := 0; i < n; i++ {
		if err := binary.Write(w, binary.LittleEndian, s.core.row(i)); err != nil {
			return err
		}
	}

	if ivf, ok := s.core.(*ivfIndex); ok {
		if err := binary.Write(w, binary.LittleEndian, uint32(ivf.nlist)); err != nil {
			return err
		}
		if err := binary.Write(w, binary.LittleEndian, uint32(ivf.nprobe)); err != nil {
			return err
		}
		if err := binary.Write(w, binary.LittleEndian, ivf.centroids); err != nil {
			return err
		}
		if err := binary.Write(w, binary.LittleEndian, ivf.assign); err != nil {
			return err
		}
	}

	if err := w.Flush(); err != nil {
		return err
	}
	if err := tmp.Close(); err != nil {
		return err
	}
	return os.Rename(tmp.Name(), path)
}

func (s *Store) writeIDsFile(path string) error {
	tmp, err := os.CreateTemp(s.dir, idsFile+".tmp-*")
	if err != nil {
		return err
	}
	defer os.Remove(tmp.Name())

	enc := json.NewEncoder(tmp)
	if err := enc.Encode(s.ids); err != nil {
		return err
	}
	if err := tmp.Close(); err != nil {
		return err
	}
	return os.Rename(tmp.Name(), path)
}

// Load replaces the store contents with what is on disk. On any error the
// store is left untouched (typically empty, right after NewStore) so the
// caller can warm it from the database instead.
func (s *Store) Load() error {
	core, count, err := s.readIndexFile(filepath.Join(s.dir, indexFile))
	if err != nil {
		return err
	}

	raw, err := os.ReadFile(filepath.Join(s.dir, idsFile))
	if err != nil {
		return fmt.Errorf("read id map: %w", err)
	}
	var ids []int64
	if err := json.Unmarshal(raw, &ids); err != nil {
		return fmt.Errorf("parse id map: %w", err)
	}
	if len(ids) != count {
		return fmt.Errorf("id map has %d entries, index has %d rows", len(ids), count)
	}

	s.mu.Lock()
	s.core = core
	s.ids = ids
	s.addsSinceSave = 0
	s.mu.Unlock()
	return nil
}

func (s *Store) readIndexFile(path string) (searcher, int, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, 0, err
	}
	defer f.Close()

	r := bufio.NewReader(f)

	var magic [4]byte
	if _, err := io.ReadFull(r, magic[:]); err != nil {
		return nil, 0, fmt.Errorf("read magic: %w", err)
	}
	if magic != indexMagic {
		return nil, 0, fmt.Errorf("not an index file (magic %q)", magic)
	}

	var version uint32
	if err := binary.Read(r, binary.LittleEndian, &version); err != nil {
		return nil, 0, err
	}
	if version != formatVersion {
		return nil, 0, fmt.Errorf("unsupported index version %d", version)
	}

	kind, err := r.ReadByte()
	if err != nil {
		return nil, 0, err
	}

	var dim, count uint32
	if err := binary.Read(r, binary.LittleEndian, &dim); err != nil {
		return nil, 0, err
	}
	if int(dim) != s.dim {
		return nil, 0, fmt.Errorf("index dimension %d, store wants %d", dim, s.dim)
	}
	if err := binary.Read(r, binary.LittleEndian, &count); err != nil {
		return nil, 0, err
	}

	data := make([]float32, int(count)*int(dim))
	if err := binary.Read(r, binary.LittleEndian, data); err != nil {
		return nil, 0, fmt.Errorf("read vectors: %w", err)
	}

	switch kind {
	case kindFlat:
		return &flatIndex{dim: int(dim), data: data}, int(count), nil

	case kindIVF:
		var nlist, nprobe uint32
		if err := binary.Read(r, binary.LittleEndian, &nlist); err != nil {
			return nil, 0, err
		}
		if err := binary.Read(r, binary.LittleEndian, &nprobe); err != nil {
			return nil, 0, err
		}
		centroids := make([]float32, int(nlist)*int(dim))
		if err := binary.Read(r, binary.LittleEndian, centroids); err != nil {
			return nil, 0, fmt.Errorf("read centroids: %w", err)
		}
		assign := make([]int32, count)
		if err := binary.Read(r, binary.LittleEndian, assign); err != nil {
			return nil, 0, fmt.Errorf("read assignments: %w", err)
		}

		ivf := &ivfIndex{
			dim:       int(dim),
			nlist:     int(nlist),
			nprobe:    int(nprobe),
			data:      data,
			centroids: centroids,
			assign:    assign,
			lists:     make([][]int32, nlist),
		}
		for row, c := range assign {
			if int(c) >= int(nlist) {
				return nil, 0, fmt.Errorf("row %d assigned to cluster %d of %d", row, c, nlist)
			}
			ivf.lists[c] = append(ivf.lists[c], int32(row))
		}
		return ivf, int(count), nil

	default:
		return nil, 0, fmt.Errorf("unknown index kind %d", kind)
	}
}
