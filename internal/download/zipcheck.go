package download

import (
	"archive/zip"
	"fmt"
	"strings"

	"github.com/dustin/go-humanize"
)

// ZipLimits bounds what an untrusted archive may claim before expansion.
type ZipLimits struct {
	MaxEntries           int
	MaxUncompressedBytes int64
	MaxCompressionRatio  float64
}

// DefaultZipLimits: 500 entries, 100 MiB expanded, 100x compression.
func DefaultZipLimits() ZipLimits {
	return ZipLimits{
		MaxEntries:           500,
		MaxUncompressedBytes: 100 * 1024 * 1024,
		MaxCompressionRatio:  100,
	}
}

// Inspection is the result of checking an archive for bomb characteristics.
type Inspection struct {
	EntryCount        int
	TotalCompressed   int64
	TotalUncompressed int64
	Ratio             float64
	Safe              bool
	Reason            string
}

// InspectZip reads the archive's central directory only, never decompressing
// entries, and checks declared sizes against the limits. All bounds are
// checked independently and every violated one contributes to the reason.
// A corrupt or unreadable archive is itself an unsafe verdict.
func InspectZip(path string, limits ZipLimits) Inspection {
	r, err := zip.OpenReader(path)
	if err != nil {
		return Inspection{Safe: false, Reason: fmt.Sprintf("invalid zip archive: %v", err)}
	}
	defer r.Close()

	insp := Inspection{EntryCount: len(r.File)}
	for _, f := range r.File {
		insp.TotalCompressed += int64(f.CompressedSize64)
		insp.TotalUncompressed += int64(f.UncompressedSize64)
	}
	if insp.TotalCompressed > 0 {
		insp.Ratio = float64(insp.TotalUncompressed) / float64(insp.TotalCompressed)
	}

	var reasons []string
	if limits.MaxEntries > 0 && insp.EntryCount > limits.MaxEntries {
		reasons = append(reasons, fmt.Sprintf("too many entries: %d > %d", insp.EntryCount, limits.MaxEntries))
	}
	if limits.MaxUncompressedBytes > 0 && insp.TotalUncompressed > limits.MaxUncompressedBytes {
		reasons = append(reasons, fmt.Sprintf("uncompressed size too large: %s > %s",
			humanize.IBytes(uint64(insp.TotalUncompressed)), humanize.IBytes(uint64(limits.MaxUncompressedBytes))))
	}
	if limits.MaxCompressionRatio > 0 && insp.Ratio > limits.MaxCompressionRatio {
		reasons = append(reasons, fmt.Sprintf("suspicious compression ratio: %.1fx > %.0fx",
			insp.Ratio, limits.MaxCompressionRatio))
	}
	// An archive declaring zero stored bytes but a nonzero expanded size
	// would otherwise score ratio 0 and pass.
	if insp.TotalCompressed == 0 && insp.TotalUncompressed > 0 {
		reasons = append(reasons, fmt.Sprintf("zero compressed size expands to %s",
			humanize.IBytes(uint64(insp.TotalUncompressed))))
	}

	insp.Safe = len(reasons) == 0
	insp.Reason = strings.Join(reasons, "; ")
	return insp
}
