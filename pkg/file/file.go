package file

import (
	"crypto/md5"
	"fmt"
	"io"
	"os"
	"path/filepath"

	"github.com/google/uuid"
	"gopkg.in/yaml.v3"
)

// Attachment is a local file handle attached to an integration request.
// Name defaults to the file's base name when empty.
type Attachment struct {
	Name string
	Path string
}

// NewAttachment creates an attachment handle for the file at path.
func NewAttachment(path string) *Attachment {
	return &Attachment{
		Name: filepath.Base(path),
		Path: path,
	}
}

// FileOperations defines the file access methods the SDK needs.
type FileOperations interface {
	IsFileExists(filePath string) (bool, error)
	Open(filePath string) (io.ReadCloser, error)
	ReadFileRaw(filePath string) ([]byte, error)
	ReadYamlFile(filePath string, v any) error
	FileSize(filePath string) (int64, error)
	GetFileMD5(filePath string) (string, error)
	GenerateFileName(filePath string) string
}

// FileService implements the FileOperations interface using standard file operations.
type FileService struct{}

// NewFileService creates a new instance of FileService.
func NewFileService() *FileService {
	return &FileService{}
}

// IsFileExists checks if the file exists and returns boolean and error
func (fs *FileService) IsFileExists(filePath string) (bool, error) {
	_, err := os.Stat(filePath)
	if os.IsNotExist(err) {
		return false, nil
	}

	// checking err == nil because of permission related error
	return err == nil, err
}

// Open opens the file at filePath for streaming reads.
func (fs *FileService) Open(filePath string) (io.ReadCloser, error) {
	return os.Open(filePath)
}

// ReadFileRaw reads the contents of the file at filePath and returns it as a byte array.
func (fs *FileService) ReadFileRaw(filePath string) ([]byte, error) {
	file, err := os.Open(filePath)
	if err != nil {
		return nil, err
	}
	defer file.Close()

	return io.ReadAll(file)
}

// ReadYamlFile reads and unmarshals YAML data from the given file.
func (fs *FileService) ReadYamlFile(filePath string, v any) error {
	file, err := os.Open(filePath)
	if err != nil {
		return err
	}
	defer file.Close()

	decoder := yaml.NewDecoder(file)
	return decoder.Decode(v)
}

// FileSize returns the size in bytes of the file at filePath.
func (fs *FileService) FileSize(filePath string) (int64, error) {
	info, err := os.Stat(filePath)
	if err != nil {
		return 0, err
	}
	return info.Size(), nil
}

// GetFileMD5 returns the hex MD5 digest of the file at filePath. The broker's
// file manifest carries MD5, so the digest algorithm is fixed by the wire format.
func (fs *FileService) GetFileMD5(filePath string) (string, error) {
	file, err := os.Open(filePath)
	if err != nil {
		return "", fmt.Errorf("error opening file: %v", err)
	}
	defer file.Close()

	hasher := md5.New()
	if _, err := io.Copy(hasher, file); err != nil {
		return "", fmt.Errorf("error reading file contents: %v", err)
	}

	return fmt.Sprintf("%x", hasher.Sum(nil)), nil
}

// GenerateFileName returns a unique local name for the file at filePath,
// preserving the original extension.
func (fs *FileService) GenerateFileName(filePath string) string {
	return uuid.New().String() + filepath.Ext(filePath)
}
