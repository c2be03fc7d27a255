package substreams

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"

	pbsubstreams "github.com/streamingfast/substreams/pb/sf/substreams/v1"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"google.golang.org/protobuf/proto"
)

func testPackage() *pbsubstreams.Package {
	return &pbsubstreams.Package{
		Modules: &pbsubstreams.Modules{
			Modules: []*pbsubstreams.Module{
				{Name: "map_blocks", InitialBlock: 100},
				{Name: "store_totals", InitialBlock: 200},
			},
		},
	}
}

func TestValidateModuleName(t *testing.T) {
	valid := []string{"a", "map_blocks", "Map-Blocks2", "a" + strings.Repeat("b", 63)}
	for _, name := range valid {
		assert.NoError(t, ValidateModuleName(name), name)
	}

	invalid := []string{"", "1abc", "_x", "has.dot", "has space", strings.Repeat("b", 65)}
	for _, name := range invalid {
		assert.ErrorIs(t, ValidateModuleName(name), ErrInvalidModuleName, name)
	}
}

func TestParsePackageRef(t *testing.T) {
	tests := []struct {
		ref         string
		wantName    string
		wantVersion string
		wantErr     bool
	}{
		{ref: "ethereum-common", wantName: "ethereum-common", wantVersion: "latest"},
		{ref: "ethereum-common@", wantName: "ethereum-common", wantVersion: "latest"},
		{ref: "ethereum-common@latest", wantName: "ethereum-common", wantVersion: "latest"},
		{ref: "ethereum-common@v0.3.0", wantName: "ethereum-common", wantVersion: "v0.3.0"},
		{ref: "ethereum-common@1.2.3-rc.1", wantName: "ethereum-common", wantVersion: "1.2.3-rc.1"},
		{ref: "ethereum-common@1.2", wantErr: true},
		{ref: "a@1.0.0@2", wantErr: true},
		{ref: "./local.spkg", wantErr: true},
		{ref: "https://spkg.io/x.spkg", wantErr: true},
	}

	for _, tt := range tests {
		name, version, err := ParsePackageRef(tt.ref)
		if tt.wantErr {
			assert.ErrorIs(t, err, ErrInvalidPackageRef, tt.ref)
			continue
		}
		require.NoError(t, err, tt.ref)
		assert.Equal(t, tt.wantName, name)
		assert.Equal(t, tt.wantVersion, version)
	}
}

func TestResolvePackageLocation(t *testing.T) {
	tests := []struct {
		input string
		want  string
	}{
		{input: "eos@v1.0.0", want: "https://spkg.io/v1/packages/eos/v1.0.0"},
		{input: "eos", want: "https://spkg.io/v1/packages/eos/latest"},
		{input: "./eos.spkg", want: "./eos.spkg"},
		{input: "http://host/eos.spkg", want: "http://host/eos.spkg"},
		{input: "./dir/eos@1.x.spkg", want: "./dir/eos@1.x.spkg"},
	}
	for _, tt := range tests {
		got, err := ResolvePackageLocation(tt.input)
		require.NoError(t, err, tt.input)
		assert.Equal(t, tt.want, got, tt.input)
	}

	for _, input := range []string{"pkg@1.x", "pkg@1.2", "pkg@1.0.0@2"} {
		_, err := ResolvePackageLocation(input)
		assert.ErrorIs(t, err, ErrInvalidPackageRef, input)
	}
}

func TestReadPackage_File(t *testing.T) {
	data, err := proto.Marshal(testPackage())
	require.NoError(t, err)
	path := filepath.Join(t.TempDir(), "test.spkg")
	require.NoError(t, os.WriteFile(path, data, 0o600))

	pkg, err := ReadPackage(context.Background(), path)
	require.NoError(t, err)
	require.Len(t, pkg.GetModules().GetModules(), 2)

	m, err := FindModule(pkg, "store_totals")
	require.NoError(t, err)
	assert.Equal(t, uint64(200), m.GetInitialBlock())

	_, err = FindModule(pkg, "missing")
	assert.ErrorIs(t, err, ErrModuleNotFound)
}

func TestReadPackage_HTTP(t *testing.T) {
	data, err := proto.Marshal(testPackage())
	require.NoError(t, err)

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/pkg.spkg" {
			http.NotFound(w, r)
			return
		}
		_, _ = w.Write(data)
	}))
	defer srv.Close()

	pkg, err := ReadPackage(context.Background(), srv.URL+"/pkg.spkg")
	require.NoError(t, err)
	assert.Len(t, pkg.GetModules().GetModules(), 2)

	_, err = ReadPackage(context.Background(), srv.URL+"/missing.spkg")
	assert.Error(t, err)
}

func TestReadPackage_Errors(t *testing.T) {
	_, err := ReadPackage(context.Background(), filepath.Join(t.TempDir(), "nope.spkg"))
	assert.True(t, errors.Is(err, os.ErrNotExist))

	path := filepath.Join(t.TempDir(), "garbage.spkg")
	require.NoError(t, os.WriteFile(path, []byte{0xff, 0xff, 0xff}, 0o600))
	_, err = ReadPackage(context.Background(), path)
	assert.Error(t, err)

	_, err = ReadPackage(context.Background(), "pkg@1.x")
	assert.ErrorIs(t, err, ErrInvalidPackageRef)
	assert.False(t, errors.Is(err, os.ErrNotExist))
}
