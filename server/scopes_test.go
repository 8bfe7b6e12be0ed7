package server

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseScopes(t *testing.T) {
	registry, err := NewScopeRegistry(DefaultScopes(), ScopeProfileRead)
	require.NoError(t, err)

	tests := []struct {
		name    string
		raw     string
		want    ScopeSet
		wantErr string
	}{
		{
			name: "empty yields default",
			raw:  "",
			want: ScopeSet{ScopeProfileRead},
		},
		{
			name: "whitespace only yields default",
			raw:  "  \t ",
			want: ScopeSet{ScopeProfileRead},
		},
		{
			name: "space separated",
			raw:  "profile:read activity:read",
			want: ScopeSet{ScopeProfileRead, ScopeActivityRead},
		},
		{
			name: "comma separated",
			raw:  "activity:read,wellness:read",
			want: ScopeSet{ScopeActivityRead, ScopeWellnessRead},
		},
		{
			name: "mixed separators",
			raw:  " profile:read, activity:write  nutrition:read ",
			want: ScopeSet{ScopeProfileRead, ScopeActivityWrite, ScopeNutritionRead},
		},
		{
			name: "duplicates dropped keeping first order",
			raw:  "activity:read profile:read activity:read",
			want: ScopeSet{ScopeActivityRead, ScopeProfileRead},
		},
		{
			name:    "unknown scope",
			raw:     "profile:read admin",
			wantErr: "Unknown scope: admin",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := registry.ParseScopes(tt.raw)
			if tt.wantErr != "" {
				require.Error(t, err)
				assert.Equal(t, KindInvalidRequest, KindOf(err))
				assert.Contains(t, err.Error(), tt.wantErr)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestNewScopeRegistry(t *testing.T) {
	tests := []struct {
		name         string
		supported    []string
		defaultScope string
		wantErr      bool
	}{
		{"valid", []string{"a", "b"}, "a", false},
		{"duplicates collapsed", []string{"a", "a"}, "a", false},
		{"default not supported", []string{"a"}, "b", true},
		{"empty scope name", []string{"a", ""}, "a", true},
		{"scope name with space", []string{"a b"}, "a", true},
		{"scope name with comma", []string{"a,b"}, "a", true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := NewScopeRegistry(tt.supported, tt.defaultScope)
			if tt.wantErr {
				assert.Error(t, err)
			} else {
				assert.NoError(t, err)
			}
		})
	}
}

func TestScopeRegistry_SupportedIsCopy(t *testing.T) {
	registry, err := NewScopeRegistry([]string{"a", "b", "a"}, "a")
	require.NoError(t, err)

	supported := registry.Supported()
	assert.Equal(t, []string{"a", "b"}, supported)

	supported[0] = "mutated"
	assert.Equal(t, []string{"a", "b"}, registry.Supported())
}

func TestScopeSet(t *testing.T) {
	set := ScopeSet{ScopeProfileRead, ScopeActivityRead}

	assert.Equal(t, "profile:read activity:read", set.String())
	assert.True(t, set.Has(ScopeActivityRead))
	assert.False(t, set.Has(ScopeActivityWrite))
	assert.Equal(t, "", ScopeSet(nil).String())
}

func TestScopeSet_AllowsClaim(t *testing.T) {
	tests := []struct {
		name  string
		set   ScopeSet
		claim string
		want  bool
	}{
		{"ftp with profile:read", ScopeSet{ScopeProfileRead}, "ftp", true},
		{"weight with profile:read", ScopeSet{ScopeProfileRead}, "weight", true},
		{"ftp without profile:read", ScopeSet{ScopeActivityRead}, "ftp", false},
		{"weight with only profile:write", ScopeSet{ScopeProfileWrite}, "weight", false},
		{"unknown claim", ScopeSet{ScopeProfileRead}, "ssn", false},
		{"empty set", nil, "ftp", false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, tt.set.AllowsClaim(tt.claim))
		})
	}
}
