package file_box

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/2beens/miniblog/internal/telemetry/tracing"

	log "github.com/sirupsen/logrus"
	"go.opentelemetry.io/otel/attribute"
)

var (
	ErrEmptyFile       = errors.New("file content is empty")
	ErrInvalidFileName = errors.New("invalid file name")
)

var invalidFileNameChars = regexp.MustCompile(`[^a-zA-Z0-9_.-]`)

// DiskApi stores blog post attachments as flat files on disk.
// Saved files are publicly reachable under <baseURL>/files/<name>.
type DiskApi struct {
	rootPath string
	baseURL  string
	mutex    sync.Mutex
}

func NewDiskApi(rootPath, baseURL string) (*DiskApi, error) {
	if rootPath == "" {
		return nil, errors.New("root path cannot be empty")
	}
	if err := os.MkdirAll(rootPath, os.ModePerm); err != nil {
		return nil, fmt.Errorf("create root folder: %w", err)
	}
	return &DiskApi{
		rootPath: rootPath,
		baseURL:  strings.TrimSuffix(baseURL, "/"),
	}, nil
}

func (da *DiskApi) RootPath() string {
	return da.rootPath
}

// Save writes the file content to disk and returns the public URL of the saved file.
// The suffix keeps repeated uploads of the same file name from clobbering each other,
// when empty a timestamp-based one is generated.
func (da *DiskApi) Save(ctx context.Context, data []byte, fileName, suffix string) (_ string, err error) {
	_, span := tracing.GlobalTracer.Start(ctx, "diskApi.save")
	defer func() {
		tracing.EndSpanWithErrCheck(span, err)
	}()

	if len(data) == 0 {
		return "", ErrEmptyFile
	}

	cleanName := cleanFileName(filepath.Base(fileName))
	ext := filepath.Ext(cleanName)
	name := strings.TrimSuffix(cleanName, ext)
	if name == "" {
		return "", ErrInvalidFileName
	}

	if suffix == "" {
		suffix = strconv.FormatInt(time.Now().UTC().UnixNano(), 10)
	} else {
		suffix = cleanFileName(suffix)
	}

	fileNameWithSuffix := fmt.Sprintf("%s_%s%s", name, suffix, ext)
	span.SetAttributes(attribute.String("file.name", fileNameWithSuffix))

	da.mutex.Lock()
	defer da.mutex.Unlock()

	filePath := filepath.Join(da.rootPath, fileNameWithSuffix)
	if err := os.WriteFile(filePath, data, 0o644); err != nil {
		return "", fmt.Errorf("write file %s: %w", fileNameWithSuffix, err)
	}

	log.Debugf("disk api: file [%s] saved, %d bytes", fileNameWithSuffix, len(data))

	return da.baseURL + "/files/" + fileNameWithSuffix, nil
}

func cleanFileName(name string) string {
	return invalidFileNameChars.ReplaceAllString(name, "")
}
