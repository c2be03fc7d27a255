package substreams

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"regexp"
	"strings"
	"time"

	"github.com/Masterminds/semver/v3"
	pbsubstreams "github.com/streamingfast/substreams/pb/sf/substreams/v1"
	"google.golang.org/protobuf/proto"
)

// RegistryURL is the package registry used for <name>@<version> references.
const RegistryURL = "https://spkg.io"

var (
	// ErrInvalidModuleName is returned for names that fail moduleNameRegexp.
	ErrInvalidModuleName = errors.New("invalid module name")

	// ErrInvalidPackageRef is returned for malformed <name>@<version> references.
	ErrInvalidPackageRef = errors.New("invalid package reference")

	// ErrModuleNotFound is returned when the package lacks the requested module.
	ErrModuleNotFound = errors.New("module not found in package")
)

var moduleNameRegexp = regexp.MustCompile(`^[a-zA-Z][a-zA-Z0-9_-]{0,63}$`)

// ValidateModuleName checks a module or package name.
func ValidateModuleName(name string) error {
	if !moduleNameRegexp.MatchString(name) {
		return fmt.Errorf("%w: %q does not match %s", ErrInvalidModuleName, name, moduleNameRegexp)
	}
	return nil
}

// ParsePackageRef parses a registry reference of the form <name>[@<version>].
// An empty version or "latest" selects the latest release.
func ParsePackageRef(ref string) (name, version string, err error) {
	parts := strings.Split(ref, "@")
	if len(parts) > 2 {
		return "", "", fmt.Errorf("%w: %q does not follow <package>@<version>", ErrInvalidPackageRef, ref)
	}

	name = parts[0]
	if err := ValidateModuleName(name); err != nil {
		return "", "", fmt.Errorf("%w: %w", ErrInvalidPackageRef, err)
	}

	if len(parts) == 1 || parts[1] == "" || parts[1] == "latest" {
		return name, "latest", nil
	}

	version = parts[1]
	if _, err := semver.StrictNewVersion(strings.TrimPrefix(version, "v")); err != nil {
		return "", "", fmt.Errorf("%w: version %q is not valid semver", ErrInvalidPackageRef, version)
	}
	return name, version, nil
}

// ResolvePackageLocation maps a package input to a URL or a file path.
// Registry references become registry URLs; anything else is returned as is.
// An input whose part before "@" is a valid package name is a registry
// reference, so a bad version is an error rather than a file path.
func ResolvePackageLocation(input string) (string, error) {
	name, version, err := ParsePackageRef(input)
	if err == nil {
		return fmt.Sprintf("%s/v1/packages/%s/%s", RegistryURL, name, version), nil
	}
	if before, _, ok := strings.Cut(input, "@"); ok && ValidateModuleName(before) == nil {
		return "", err
	}
	return input, nil
}

// ReadPackage loads a package from a registry reference, an http(s) URL or
// a local file.
func ReadPackage(ctx context.Context, input string) (*pbsubstreams.Package, error) {
	location, err := ResolvePackageLocation(input)
	if err != nil {
		return nil, err
	}

	var data []byte
	if strings.HasPrefix(location, "http://") || strings.HasPrefix(location, "https://") {
		data, err = fetchPackage(ctx, location)
	} else {
		data, err = os.ReadFile(location)
		if err != nil {
			err = fmt.Errorf("failed to read package file %q: %w", location, err)
		}
	}
	if err != nil {
		return nil, err
	}

	pkg := &pbsubstreams.Package{}
	if err := proto.Unmarshal(data, pkg); err != nil {
		return nil, fmt.Errorf("failed to decode package %q: %w", location, err)
	}
	return pkg, nil
}

func fetchPackage(ctx context.Context, url string) ([]byte, error) {
	ctx, cancel := context.WithTimeout(ctx, 2*time.Minute)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to build package request: %w", err)
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("failed to fetch package %q: %w", url, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("failed to fetch package %q: status %s", url, resp.Status)
	}
	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("failed to read package %q: %w", url, err)
	}
	return data, nil
}

// FindModule returns the module called name.
func FindModule(pkg *pbsubstreams.Package, name string) (*pbsubstreams.Module, error) {
	for _, m := range pkg.GetModules().GetModules() {
		if m.GetName() == name {
			return m, nil
		}
	}
	return nil, fmt.Errorf("%w: %q", ErrModuleNotFound, name)
}
