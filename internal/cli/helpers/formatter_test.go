package helpers

import (
	"bytes"
	"encoding/json"
	"testing"

	"github.com/spf13/cobra"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// testRow is a test struct with header tags.
type testRow struct {
	Name  string `header:"NAME" json:"name"`
	Value int    `header:"VALUE" json:"value"`
	Extra string `json:"extra"`
}

func TestNewFormatter(t *testing.T) {
	tests := []struct {
		name    string
		format  OutputFormat
		wantErr bool
	}{
		{name: "table formatter", format: FormatTable},
		{name: "json formatter", format: FormatJSON},
		{name: "csv formatter", format: FormatCSV},
		{name: "unsupported format", format: OutputFormat("yaml"), wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := NewFormatter(tt.format)
			if tt.wantErr {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.NotNil(t, got)
		})
	}
}

func TestRender(t *testing.T) {
	rows := []testRow{
		{Name: "gen0", Value: 1, Extra: "ignored"},
		{Name: "gen1", Value: 22},
	}

	tests := []struct {
		name   string
		format string
		data   any
		want   string
	}{
		{
			name:   "table",
			format: "table",
			data:   rows,
			want:   "NAME   VALUE\ngen0   1\ngen1   22\n",
		},
		{
			name:   "csv",
			format: "csv",
			data:   rows,
			want:   "NAME,VALUE\ngen0,1\ngen1,22\n",
		},
		{
			name:   "empty table prints nothing",
			format: "table",
			data:   []testRow{},
			want:   "",
		},
		{
			name:   "pointer elements",
			format: "csv",
			data:   []*testRow{{Name: "a", Value: 3}},
			want:   "NAME,VALUE\na,3\n",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var buf bytes.Buffer
			require.NoError(t, Render(tt.format, tt.data, &buf))
			assert.Equal(t, tt.want, buf.String())
		})
	}
}

func TestRender_JSON(t *testing.T) {
	var buf bytes.Buffer
	require.NoError(t, Render("json", []testRow{{Name: "a", Value: 1, Extra: "x"}}, &buf))

	var got []testRow
	require.NoError(t, json.Unmarshal(buf.Bytes(), &got))
	assert.Equal(t, []testRow{{Name: "a", Value: 1, Extra: "x"}}, got)
}

func TestRender_Errors(t *testing.T) {
	var buf bytes.Buffer
	assert.Error(t, Render("table", testRow{}, &buf))
	assert.Error(t, Render("csv", 42, &buf))
	assert.Error(t, Render("xml", []testRow{}, &buf))
}

func TestValidateFormat(t *testing.T) {
	assert.NoError(t, ValidateFormat("json", ListFormats))
	err := ValidateFormat("yaml", ListFormats)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "table, json, csv")
}

func TestAddFormatFlag(t *testing.T) {
	var format string
	cmd := &cobra.Command{Use: "x"}
	AddFormatFlag(cmd, &format, FormatTable, ListFormats)

	require.NoError(t, cmd.ParseFlags([]string{"-o", "csv"}))
	assert.Equal(t, "csv", format)
}

func TestAddressFlag(t *testing.T) {
	tests := []struct {
		in      string
		want    uint64
		wantErr bool
	}{
		{in: "0x7f001000", want: 0x7f001000},
		{in: "4096", want: 4096},
		{in: " 0X10 ", want: 0x10},
		{in: "0o17", want: 0o17},
		{in: "banana", wantErr: true},
		{in: "-1", wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			var a AddressFlag
			err := a.Set(tt.in)
			if tt.wantErr {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, uint64(a))
		})
	}

	var a AddressFlag
	assert.Equal(t, "", a.String())
	a = 0x1000
	assert.Equal(t, "0x1000", a.String())
	assert.Equal(t, "address", a.Type())
}

func TestStyles(t *testing.T) {
	assert.Contains(t, Success("✓ done"), "✓ done")
	assert.Contains(t, Comment("# note"), "# note")
}
