// Package persistence writes archival data to disk.
package persistence

import (
	"compress/gzip"
	"encoding/json"
	"os"
	"path"
	"time"
)

// DataFile is the file where we save measurements.
type DataFile struct {
	// Prefix is the data directory the file was written in.
	Prefix string
	// Datatype is the datatype (e.g. "wsping").
	Datatype string
	// Subtest is the subtest name, part of the file name.
	Subtest string
	// UUID is the unique identifier of the saved data.
	UUID string
	// Path is the full path of the file.
	Path string
	// Size is the size of the uncompressed JSON payload.
	Size int
}

func newPath(datadir, datatype, subtest, uuid string, timestamp time.Time) string {
	dir := path.Join(datadir, datatype, timestamp.Format("2006/01/02"))
	return path.Join(dir, datatype+"-"+subtest+"-"+
		timestamp.Format("20060102T150405.000000000Z")+"."+uuid+".json.gz")
}

// WriteDataFile writes a gzipped JSON representation of result to a new file
// under datadir/datatype/YYYY/MM/DD/. It fails if the file already exists.
func WriteDataFile(datadir, datatype, subtest, uuid string, result interface{}) (*DataFile, error) {
	data, err := json.Marshal(result)
	if err != nil {
		return nil, err
	}

	filepath := newPath(datadir, datatype, subtest, uuid, time.Now().UTC())
	err = os.MkdirAll(path.Dir(filepath), 0755)
	if err != nil {
		return nil, err
	}
	fp, err := os.OpenFile(filepath, os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0644)
	if err != nil {
		return nil, err
	}
	writer, err := gzip.NewWriterLevel(fp, gzip.BestSpeed)
	if err != nil {
		fp.Close()
		return nil, err
	}
	if _, err = writer.Write(data); err != nil {
		writer.Close()
		fp.Close()
		return nil, err
	}
	if err = writer.Close(); err != nil {
		fp.Close()
		return nil, err
	}
	if err = fp.Close(); err != nil {
		return nil, err
	}

	return &DataFile{
		Prefix:   datadir,
		Datatype: datatype,
		Subtest:  subtest,
		UUID:     uuid,
		Path:     filepath,
		Size:     len(data),
	}, nil
}
