// Package filetype classifies inventory entries by extension. It never opens
// files.
package filetype

import (
	"path"
	"strings"
)

// Kind classifies a file for fingerprint histograms and primary-file scoring.
type Kind string

const (
	KindDocument Kind = "document"
	KindData     Kind = "data"
	KindImage    Kind = "image"
	KindVideo    Kind = "video"
	KindArchive  Kind = "archive"
	KindCode     Kind = "code"
	KindOther    Kind = "other"
)

// documentWeight ranks text-document formats for primary-file selection.
// Source formats beat their rendered outputs.
var documentWeight = map[string]int{
	"tex":  30,
	"docx": 28,
	"typ":  26,
	"odt":  24,
	"md":   20,
	"rmd":  20,
	"qmd":  20,
	"org":  18,
	"rst":  18,
	"doc":  16,
	"rtf":  10,
	"pdf":  8,
	"txt":  5,
}

var dataExts = map[string]bool{
	"csv": true, "tsv": true, "json": true, "jsonl": true, "parquet": true,
	"h5": true, "hdf5": true, "nc": true, "mat": true, "npy": true, "npz": true,
	"xls": true, "xlsx": true, "ods": true, "sav": true, "dta": true, "fits": true,
	"dcm": true, "sqlite": true, "db": true, "xml": true, "yaml": true, "yml": true,
}

var imageExts = map[string]bool{
	"jpg": true, "jpeg": true, "png": true, "gif": true, "bmp": true,
	"webp": true, "tiff": true, "tif": true, "heic": true, "heif": true,
	"avif": true, "svg": true, "eps": true,
}

var videoExts = map[string]bool{
	"mp4": true, "mov": true, "avi": true, "mkv": true,
	"wmv": true, "flv": true, "webm": true, "m4v": true,
}

var archiveExts = map[string]bool{
	"zip": true, "tar": true, "gz": true, "tgz": true, "bz2": true,
	"xz": true, "7z": true, "rar": true, "zst": true,
}

var codeExts = map[string]bool{
	"py": true, "r": true, "m": true, "jl": true, "c": true, "h": true,
	"cpp": true, "hpp": true, "f90": true, "f": true, "go": true, "rs": true,
	"java": true, "js": true, "ts": true, "sh": true, "ipynb": true,
	"bib": true, "sty": true, "cls": true,
}

// Ext returns the lower-case extension of p without the leading dot, or ""
// when the base name has none. Dotfiles like ".bashrc" have no extension.
func Ext(p string) string {
	base := path.Base(strings.ReplaceAll(p, "\\", "/"))
	i := strings.LastIndexByte(base, '.')
	if i <= 0 || i == len(base)-1 {
		return ""
	}
	return strings.ToLower(base[i+1:])
}

// Detect returns the Kind for the given extension (as returned by Ext).
func Detect(ext string) Kind {
	switch {
	case documentWeight[ext] > 0:
		return KindDocument
	case dataExts[ext]:
		return KindData
	case imageExts[ext]:
		return KindImage
	case videoExts[ext]:
		return KindVideo
	case archiveExts[ext]:
		return KindArchive
	case codeExts[ext]:
		return KindCode
	default:
		return KindOther
	}
}

// DocumentWeight returns the ranking weight of a text-document extension,
// or 0 when ext is not a recognised document format.
func DocumentWeight(ext string) int {
	return documentWeight[ext]
}
