package util

import (
	"bufio"
	"context"
	"errors"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/viant/afs"
	"github.com/viant/afs/option"
	_ "github.com/viant/afsc/s3"
)

var FileSystem = afs.New()

func ReadFileBytes(filename string) ([]byte, error) {
	file, err := FileSystem.OpenURL(context.Background(), filename)
	if err != nil {
		return nil, err
	}
	defer func(file io.Closer) {
		err = errors.Join(err, CloseFile(file))
	}(file)

	outBytes, readErr := io.ReadAll(file)
	if readErr != nil {
		return nil, readErr
	}
	return outBytes, err
}

func OpenFile(filename string) (io.ReadCloser, error) {
	return FileSystem.OpenURL(context.Background(), filename)
}

// NewFileWriter returns a writer for filename, replacing any existing object.
func NewFileWriter(filename string) (io.WriteCloser, error) {
	exists, err := FileExists(filename)
	if err != nil {
		return nil, err
	}
	if exists {
		if err = FileSystem.Delete(context.Background(), filename); err != nil {
			return nil, err
		}
	}
	return FileSystem.NewWriter(context.Background(), filename, 0o644, option.NewSkipChecksum(true))
}

// CopyFile copies src to dst, replacing any existing object.
func CopyFile(src, dst string) error {
	reader, err := OpenFile(src)
	if err != nil {
		return err
	}
	defer func(file io.Closer) {
		err = errors.Join(err, CloseFile(file))
	}(reader)

	writer, err := NewFileWriter(dst)
	if err != nil {
		return err
	}
	if _, err = io.Copy(writer, reader); err != nil {
		return errors.Join(err, writer.Close())
	}
	return writer.Close()
}

func FileExists(filename string) (bool, error) {
	return FileSystem.Exists(context.Background(), filename)
}

func CreateFolder(dirname string) error {
	return FileSystem.Create(context.Background(), dirname, os.ModePerm, true)
}

func CloseFile(file io.Closer) error {
	return file.Close()
}

func GetPathType(path string) string {
	if strings.HasPrefix(path, "s3://") {
		return "S3"
	}
	return "os"
}

// ReadLine returns a single line (without the ending \n)
// from the input buffered reader.
// This function is needed to avoid the 65K char line limit
func ReadLine(r *bufio.Reader) ([]byte, error) {
	var (
		isPrefix       = true
		err      error = nil
		line, ln []byte
	)
	for isPrefix && err == nil {
		line, isPrefix, err = r.ReadLine()
		ln = append(ln, line...)
	}
	return ln, err
}

// PathJoinSafe wrapper around filepath.Join to ensure that paths are correctly constructed
// if the path is a normal OS path, just use filepath.Join
// if the path is S3, trim any trailing slashes and construct it manually from the components
// so that double slashes (e.g. s3://) are preserved.
func PathJoinSafe(elem ...string) string {
	var path string

	switch GetPathType(elem[0]) {
	case "S3":
		basePath := strings.TrimSuffix(elem[0], "/")
		path = basePath + string(filepath.Separator) + filepath.Join(elem[1:]...)
	default:
		path = filepath.Join(elem...)
	}
	return path
}
