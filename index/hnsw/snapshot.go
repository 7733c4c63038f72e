package hnsw

import (
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"math"

	"github.com/RoaringBitmap/roaring/v2"
	"github.com/cssvb94/VectorLiteDB/internal/hash"
	"github.com/pierrec/lz4/v4"
)

// Snapshot format: a fixed header followed by four lz4 block-compressed
// sections (ids, tombstones, vectors, adjacency). Each section is framed as
// [rawSize u32][compressedSize u32][crc32c u32][payload]; compressedSize 0
// marks an incompressible section stored raw. The checksum covers the raw
// payload and is verified after decompression.

var snapshotMagic = [4]byte{'V', 'L', 'S', 'N'}

const snapshotVersion = 1

type snapshotHeader struct {
	Dimension      uint32
	M              uint32
	EFConstruction uint32
	EFSearch       uint32
	RandomSeed     int64
	EntryPoint     uint32
	MaxLevel       int32
	NodeCount      uint32
}

// WriteSnapshot serializes the graph so a later ReadSnapshot can skip the
// full rebuild. The read lock is held while sections are assembled.
func (h *Index) WriteSnapshot(w io.Writer) error {
	h.mu.RLock()
	defer h.mu.RUnlock()

	if _, err := w.Write(snapshotMagic[:]); err != nil {
		return err
	}
	if _, err := w.Write([]byte{snapshotVersion}); err != nil {
		return err
	}

	hdr := snapshotHeader{
		Dimension:      uint32(h.opts.Dimension),
		M:              uint32(h.opts.M),
		EFConstruction: uint32(h.opts.EFConstruction),
		EFSearch:       uint32(h.opts.EFSearch),
		RandomSeed:     h.opts.RandomSeed,
		EntryPoint:     h.entryPoint,
		MaxLevel:       int32(h.maxLevel),
		NodeCount:      uint32(len(h.nodes)),
	}
	if err := binary.Write(w, binary.LittleEndian, hdr); err != nil {
		return err
	}

	ids := make([]byte, 0, len(h.nodes)*38)
	for i := range h.nodes {
		id := h.nodes[i].id
		if len(id) > 0xFFFF {
			return fmt.Errorf("hnsw: entry id too long for snapshot: %d bytes", len(id))
		}
		ids = binary.LittleEndian.AppendUint16(ids, uint16(len(id)))
		ids = append(ids, id...)
	}
	if err := writeBlock(w, ids); err != nil {
		return err
	}

	tomb, err := h.tombstones.ToBytes()
	if err != nil {
		return err
	}
	if err := writeBlock(w, tomb); err != nil {
		return err
	}

	vecs := make([]byte, 0, len(h.nodes)*h.opts.Dimension*4)
	for i := range h.nodes {
		for _, v := range h.nodes[i].vector {
			vecs = binary.LittleEndian.AppendUint32(vecs, math.Float32bits(v))
		}
	}
	if err := writeBlock(w, vecs); err != nil {
		return err
	}

	graph := make([]byte, 0, len(h.nodes)*(4+h.maxConns0*4))
	for i := range h.nodes {
		n := &h.nodes[i]
		graph = binary.LittleEndian.AppendUint32(graph, uint32(n.level))
		for l := 0; l <= int(n.level); l++ {
			graph = binary.LittleEndian.AppendUint32(graph, uint32(len(n.conns[l])))
			for _, c := range n.conns[l] {
				graph = binary.LittleEndian.AppendUint32(graph, c)
			}
		}
	}
	return writeBlock(w, graph)
}

// ReadSnapshot reconstructs an index from a snapshot stream.
func ReadSnapshot(r io.Reader) (*Index, error) {
	var magic [4]byte
	if _, err := io.ReadFull(r, magic[:]); err != nil {
		return nil, err
	}
	if magic != snapshotMagic {
		return nil, errors.New("hnsw: not a snapshot stream")
	}
	var version [1]byte
	if _, err := io.ReadFull(r, version[:]); err != nil {
		return nil, err
	}
	if version[0] != snapshotVersion {
		return nil, fmt.Errorf("hnsw: unsupported snapshot version %d", version[0])
	}

	var hdr snapshotHeader
	if err := binary.Read(r, binary.LittleEndian, &hdr); err != nil {
		return nil, err
	}

	h, err := New(func(o *Options) {
		o.Dimension = int(hdr.Dimension)
		o.M = int(hdr.M)
		o.EFConstruction = int(hdr.EFConstruction)
		o.EFSearch = int(hdr.EFSearch)
		o.RandomSeed = hdr.RandomSeed
		o.ExpectedCapacity = int(hdr.NodeCount)
	})
	if err != nil {
		return nil, err
	}

	ids, err := readBlock(r)
	if err != nil {
		return nil, err
	}
	nodeIDs := make([]string, hdr.NodeCount)
	off := 0
	for i := range nodeIDs {
		if off+2 > len(ids) {
			return nil, errors.New("hnsw: snapshot id section truncated")
		}
		l := int(binary.LittleEndian.Uint16(ids[off:]))
		off += 2
		if off+l > len(ids) {
			return nil, errors.New("hnsw: snapshot id section truncated")
		}
		nodeIDs[i] = string(ids[off : off+l])
		off += l
	}

	tomb, err := readBlock(r)
	if err != nil {
		return nil, err
	}
	tombstones := roaring.New()
	if len(tomb) > 0 {
		if err := tombstones.UnmarshalBinary(tomb); err != nil {
			return nil, fmt.Errorf("hnsw: snapshot tombstones: %w", err)
		}
	}

	vecs, err := readBlock(r)
	if err != nil {
		return nil, err
	}
	dim := int(hdr.Dimension)
	if len(vecs) != int(hdr.NodeCount)*dim*4 {
		return nil, errors.New("hnsw: snapshot vector section size mismatch")
	}

	graph, err := readBlock(r)
	if err != nil {
		return nil, err
	}

	h.nodes = make([]node, hdr.NodeCount)
	goff := 0
	for i := range h.nodes {
		vec := make([]float32, dim)
		for d := 0; d < dim; d++ {
			vec[d] = math.Float32frombits(binary.LittleEndian.Uint32(vecs[(i*dim+d)*4:]))
		}

		if goff+4 > len(graph) {
			return nil, errors.New("hnsw: snapshot graph section truncated")
		}
		level := binary.LittleEndian.Uint32(graph[goff:])
		goff += 4
		conns := make([][]uint32, level+1)
		for l := range conns {
			if goff+4 > len(graph) {
				return nil, errors.New("hnsw: snapshot graph section truncated")
			}
			cnt := int(binary.LittleEndian.Uint32(graph[goff:]))
			goff += 4
			if goff+cnt*4 > len(graph) {
				return nil, errors.New("hnsw: snapshot graph section truncated")
			}
			layer := make([]uint32, cnt)
			for c := range layer {
				layer[c] = binary.LittleEndian.Uint32(graph[goff:])
				goff += 4
			}
			conns[l] = layer
		}

		h.nodes[i] = node{id: nodeIDs[i], vector: vec, level: int32(level), conns: conns}

		if !tombstones.Contains(uint32(i)) {
			h.ids[nodeIDs[i]] = uint32(i)
		}
	}

	h.tombstones = tombstones
	h.entryPoint = hdr.EntryPoint
	h.maxLevel = int(hdr.MaxLevel)
	h.count = len(h.ids)
	return h, nil
}

// RestoreSnapshot replaces the graph with the one read from r. The snapshot
// must carry the index dimension; construction parameters come along with
// it. Concurrent queries see either the old graph or the restored one.
func (h *Index) RestoreSnapshot(r io.Reader) error {
	fresh, err := ReadSnapshot(r)
	if err != nil {
		return err
	}
	if fresh.opts.Dimension != h.opts.Dimension {
		return &ErrDimensionMismatch{Expected: h.opts.Dimension, Actual: fresh.opts.Dimension}
	}

	h.mu.Lock()
	defer h.mu.Unlock()
	h.opts = fresh.opts
	h.levelMultiplier = fresh.levelMultiplier
	h.maxConns = fresh.maxConns
	h.maxConns0 = fresh.maxConns0
	h.nodes = fresh.nodes
	h.ids = fresh.ids
	h.tombstones = fresh.tombstones
	h.entryPoint = fresh.entryPoint
	h.maxLevel = fresh.maxLevel
	h.count = fresh.count
	h.rng = fresh.rng
	return nil
}

func writeBlock(w io.Writer, payload []byte) error {
	var head [12]byte
	binary.LittleEndian.PutUint32(head[0:], uint32(len(payload)))
	binary.LittleEndian.PutUint32(head[8:], hash.CRC32C(payload))

	bound := lz4.CompressBlockBound(len(payload))
	compressed := make([]byte, bound)
	n, err := lz4.CompressBlock(payload, compressed, nil)
	if err != nil {
		return err
	}

	if n == 0 || n >= len(payload) {
		// Incompressible, store raw.
		binary.LittleEndian.PutUint32(head[4:], 0)
		if _, err := w.Write(head[:]); err != nil {
			return err
		}
		_, err := w.Write(payload)
		return err
	}

	binary.LittleEndian.PutUint32(head[4:], uint32(n))
	if _, err := w.Write(head[:]); err != nil {
		return err
	}
	_, err = w.Write(compressed[:n])
	return err
}

func readBlock(r io.Reader) ([]byte, error) {
	var head [12]byte
	if _, err := io.ReadFull(r, head[:]); err != nil {
		return nil, err
	}
	rawSize := binary.LittleEndian.Uint32(head[0:])
	compSize := binary.LittleEndian.Uint32(head[4:])
	checksum := binary.LittleEndian.Uint32(head[8:])

	payload := make([]byte, rawSize)
	if compSize == 0 {
		if _, err := io.ReadFull(r, payload); err != nil {
			return nil, err
		}
	} else {
		compressed := make([]byte, compSize)
		if _, err := io.ReadFull(r, compressed); err != nil {
			return nil, err
		}
		n, err := lz4.UncompressBlock(compressed, payload)
		if err != nil {
			return nil, err
		}
		if uint32(n) != rawSize {
			return nil, errors.New("hnsw: snapshot block size mismatch")
		}
	}

	if hash.CRC32C(payload) != checksum {
		return nil, errors.New("hnsw: snapshot block checksum mismatch")
	}
	return payload, nil
}
