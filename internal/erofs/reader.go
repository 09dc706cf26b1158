package erofs

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"

	"github.com/klauspost/compress/zstd"
	"github.com/pierrec/lz4/v4"
)

// ReadIndex locates and parses the trailing index blob of a sealed
// image file, per spec §6 "Image artifact on-disk format". size is the
// total file length.
func ReadIndex(r io.ReaderAt, size int64) ([]IndexEntry, error) {
	if size < 12 {
		return nil, fmt.Errorf("file too short to contain an index trailer")
	}
	var trailer [12]byte
	if _, err := r.ReadAt(trailer[:], size-12); err != nil {
		return nil, fmt.Errorf("read trailer: %w", err)
	}
	indexLen := int64(le.Uint32(trailer[0:4]))
	magic := le.Uint64(trailer[4:12])
	if magic != IndexMagic {
		return nil, fmt.Errorf("bad index magic %#x", magic)
	}
	if indexLen < 0 || indexLen > size-12 {
		return nil, fmt.Errorf("invalid index length %d", indexLen)
	}
	buf := make([]byte, indexLen)
	if _, err := r.ReadAt(buf, size-12-indexLen); err != nil {
		return nil, fmt.Errorf("read index blob: %w", err)
	}
	var entries []IndexEntry
	if err := json.Unmarshal(buf, &entries); err != nil {
		return nil, fmt.Errorf("parse index blob: %w", err)
	}
	return entries, nil
}

// DecodedFile is one file discovered while reading back a sealed
// image's tree (used by tests verifying the mount-equivalence property,
// spec §8 property 4). Path is prefixed with the owning rootfs's prefix
// the same way a kernel-mounted image's top-level directory names it.
type DecodedFile struct {
	Path      string
	IsDir     bool
	IsSymlink bool
	Linkname  string
	Mode      int64
	UID, GID  int
	Content   []byte
}

// ReadRecords parses the real EROFS structure Seal wrote - superblock,
// compact inode table, dirent blocks, data area - and flattens it back
// into a DecodedFile per path, the same way a kernel mount plus a
// recursive readdir would observe it. It exists because this sandboxed
// test environment cannot invoke mount(2) against a real erofs driver;
// cmd/pe-init mounts the genuine image with mount(2) directly instead
// of using this package at all (see its assembleRootfs).
func ReadRecords(r io.Reader) ([]DecodedFile, error) {
	data, err := io.ReadAll(r)
	if err != nil {
		return nil, fmt.Errorf("read image: %w", err)
	}
	return decodeImage(data)
}

type superblock struct {
	rootNid      uint16
	metaBlkAddr  uint32
	compression  Compression
	blocks       uint32
}

func parseSuperblock(data []byte) (*superblock, error) {
	if len(data) < sbOffset+sbSize {
		return nil, fmt.Errorf("image too short to contain a superblock")
	}
	sb := data[sbOffset : sbOffset+sbSize]
	magic := le.Uint32(sb[0:4])
	if magic != erofsMagic {
		return nil, fmt.Errorf("bad erofs magic %#x", magic)
	}
	return &superblock{
		rootNid:     le.Uint16(sb[14:16]),
		blocks:      le.Uint32(sb[36:40]),
		metaBlkAddr: le.Uint32(sb[40:44]),
		compression: Compression(le.Uint16(sb[84:86])),
	}, nil
}

type onDiskInode struct {
	datalayout int
	mode       uint16
	nlink      uint16
	size       int64
	blkaddr    uint32
	nid        uint64
}

func readInode(data []byte, meta *superblock, nid uint64) (*onDiskInode, error) {
	off := int64(meta.metaBlkAddr)*BlockSize + int64(nid)*inodeSlotSize
	if off+inodeSlotSize > int64(len(data)) {
		return nil, fmt.Errorf("nid %d out of range", nid)
	}
	hdr := data[off : off+inodeSlotSize]
	format := le.Uint16(hdr[0:2])
	return &onDiskInode{
		datalayout: int(format >> 1),
		mode:       le.Uint16(hdr[4:6]),
		nlink:      le.Uint16(hdr[6:8]),
		size:       int64(le.Uint32(hdr[8:12])),
		blkaddr:    le.Uint32(hdr[16:20]),
		nid:        nid,
	}, nil
}

func isDirInode(in *onDiskInode) bool     { return in.mode&0o170000 == sIFDIR }
func isSymlinkInode(in *onDiskInode) bool { return in.mode&0o170000 == sIFLNK }

func blockOf(data []byte, blk uint32) []byte {
	start := int64(blk) * BlockSize
	end := start + BlockSize
	if end > int64(len(data)) {
		end = int64(len(data))
	}
	return data[start:end]
}

type direntRef struct {
	name     string
	nid      uint64
	fileType byte
}

func readDirents(data []byte, in *onDiskInode) ([]direntRef, error) {
	nblocks := blockCount(int(in.size))
	var out []direntRef
	for i := int64(0); i < nblocks; i++ {
		blk := blockOf(data, in.blkaddr+uint32(i))
		validLen := int64(BlockSize)
		if i == nblocks-1 {
			last := in.size - (nblocks-1)*BlockSize
			if last > 0 && last <= BlockSize {
				validLen = last
			}
		}
		entries, err := parseDirentBlock(blk, validLen)
		if err != nil {
			return nil, err
		}
		out = append(out, entries...)
	}
	return out, nil
}

func parseDirentBlock(blk []byte, validLen int64) ([]direntRef, error) {
	if validLen < direntSize {
		return nil, nil
	}
	first := le.Uint16(blk[8:10])
	count := int(first) / direntSize
	var out []direntRef
	for i := 0; i < count; i++ {
		off := i * direntSize
		if off+direntSize > len(blk) {
			break
		}
		nid := le.Uint64(blk[off : off+8])
		nameOff := int(le.Uint16(blk[off+8 : off+10]))
		fileType := blk[off+10]
		end := int(validLen)
		if i+1 < count {
			end = int(le.Uint16(blk[off+direntSize+8 : off+direntSize+10]))
		}
		if nameOff < 0 || end > len(blk) || nameOff > end {
			return nil, fmt.Errorf("corrupt dirent at offset %d", off)
		}
		// The last entry in a block may not reach the block's nominal
		// valid length exactly (bin-packing can leave a few trailing
		// zero-padding bytes before the next block begins); names never
		// legitimately contain NUL, so trimming it is unambiguous.
		name := bytes.TrimRight(blk[nameOff:end], "\x00")
		out = append(out, direntRef{name: string(name), nid: nid, fileType: fileType})
	}
	return out, nil
}

func readFileContent(data []byte, meta *superblock, in *onDiskInode) ([]byte, error) {
	if in.size == 0 {
		return nil, nil
	}
	nblocks := blockCount(int(in.size))
	switch in.datalayout {
	case datalayoutFlatPlain:
		var out []byte
		for i := int64(0); i < nblocks; i++ {
			out = append(out, blockOf(data, in.blkaddr+uint32(i))...)
		}
		return out[:in.size], nil
	case datalayoutCompressedFull:
		metaOff := int64(meta.metaBlkAddr)*BlockSize + int64(in.nid)*inodeSlotSize + inodeSlotSize
		var out []byte
		for i := int64(0); i < nblocks; i++ {
			entryOff := metaOff + i*8
			if entryOff+8 > int64(len(data)) {
				return nil, fmt.Errorf("lcluster index out of range for nid %d", in.nid)
			}
			entry := data[entryOff : entryOff+8]
			clusterType := le.Uint16(entry[0:2]) & 0x3
			blkaddr := le.Uint32(entry[4:8])
			decompLen := int64(BlockSize)
			if i == nblocks-1 {
				decompLen = in.size - (nblocks-1)*BlockSize
			}
			block := blockOf(data, blkaddr)
			raw, err := decompressBlock(clusterCompression(clusterType, meta.compression), block, int(decompLen))
			if err != nil {
				return nil, fmt.Errorf("decompress block %d of nid %d: %w", i, in.nid, err)
			}
			out = append(out, raw...)
		}
		return out, nil
	default:
		return nil, fmt.Errorf("unknown datalayout %d for nid %d", in.datalayout, in.nid)
	}
}

func clusterCompression(clusterType uint16, imageCompression Compression) Compression {
	if clusterType == lclusterPlain {
		return CompressionNone
	}
	return imageCompression
}

func decompressBlock(c Compression, stored []byte, rawLen int) ([]byte, error) {
	switch c {
	case CompressionNone:
		if rawLen > len(stored) {
			rawLen = len(stored)
		}
		return stored[:rawLen], nil
	case CompressionZSTD:
		dec, err := zstd.NewReader(bytes.NewReader(stored))
		if err != nil {
			return nil, err
		}
		defer dec.Close()
		out := make([]byte, rawLen)
		if _, err := io.ReadFull(dec, out); err != nil {
			return nil, err
		}
		return out, nil
	case CompressionLZ4:
		out := make([]byte, rawLen)
		rr := lz4.NewReader(bytes.NewReader(stored))
		if _, err := io.ReadFull(rr, out); err != nil {
			return nil, err
		}
		return out, nil
	default:
		return nil, fmt.Errorf("unknown compression tag %d", c)
	}
}

// decodeImage walks from the superblock's root inode, descending one
// level per registered rootfs prefix and then flattening the remainder
// of that rootfs's subtree into DecodedFile entries keyed by
// "prefix/relative/path", matching the path convention Seal's synthetic
// super-root imposes.
func decodeImage(data []byte) ([]DecodedFile, error) {
	sb, err := parseSuperblock(data)
	if err != nil {
		return nil, err
	}
	root, err := readInode(data, sb, uint64(sb.rootNid))
	if err != nil {
		return nil, err
	}
	if !isDirInode(root) {
		return nil, fmt.Errorf("root nid %d is not a directory", sb.rootNid)
	}
	topEntries, err := readDirents(data, root)
	if err != nil {
		return nil, err
	}

	var out []DecodedFile
	for _, te := range topEntries {
		if te.name == "." || te.name == ".." {
			continue
		}
		prefixIn, err := readInode(data, sb, te.nid)
		if err != nil {
			return nil, err
		}
		if !isDirInode(prefixIn) {
			continue
		}
		if err := decodeSubtree(data, sb, prefixIn, te.name, &out); err != nil {
			return nil, fmt.Errorf("decode rootfs %q: %w", te.name, err)
		}
	}
	return out, nil
}

func decodeSubtree(data []byte, sb *superblock, dirIn *onDiskInode, prefix string, out *[]DecodedFile) error {
	entries, err := readDirents(data, dirIn)
	if err != nil {
		return err
	}
	for _, e := range entries {
		if e.name == "." || e.name == ".." {
			continue
		}
		childIn, err := readInode(data, sb, e.nid)
		if err != nil {
			return err
		}
		path := prefix + "/" + e.name
		df := DecodedFile{
			Path: path,
			Mode: int64(childIn.mode & 0o7777),
			UID:  0,
			GID:  0,
		}
		switch {
		case isDirInode(childIn):
			df.IsDir = true
			*out = append(*out, df)
			if err := decodeSubtree(data, sb, childIn, path, out); err != nil {
				return err
			}
			continue
		case isSymlinkInode(childIn):
			content, err := readFileContent(data, sb, childIn)
			if err != nil {
				return fmt.Errorf("read symlink %q: %w", path, err)
			}
			df.IsSymlink = true
			df.Linkname = string(content)
		default:
			content, err := readFileContent(data, sb, childIn)
			if err != nil {
				return fmt.Errorf("read file %q: %w", path, err)
			}
			df.Content = content
		}
		df.UID, df.GID = readUIDGID(data, sb, e.nid)
		*out = append(*out, df)
	}
	return nil
}

func readUIDGID(data []byte, sb *superblock, nid uint64) (int, int) {
	off := int64(sb.metaBlkAddr)*BlockSize + int64(nid)*inodeSlotSize
	if off+inodeSlotSize > int64(len(data)) {
		return 0, 0
	}
	hdr := data[off : off+inodeSlotSize]
	return int(le.Uint16(hdr[24:26])), int(le.Uint16(hdr[26:28]))
}
