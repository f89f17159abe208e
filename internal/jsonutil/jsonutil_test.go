package jsonutil

import (
	"testing"
)

func TestUnmarshalWithContext(t *testing.T) {
	type TestStruct struct {
		Name string `json:"name"`
	}

	tests := []struct {
		name    string
		data    []byte
		wantErr bool
	}{
		{
			name:    "valid JSON",
			data:    []byte(`{"name":"test"}`),
			wantErr: false,
		},
		{
			name:    "invalid JSON",
			data:    []byte(`not json`),
			wantErr: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var v TestStruct
			err := UnmarshalWithContext(tt.data, &v, "test context")
			if (err != nil) != tt.wantErr {
				t.Errorf("UnmarshalWithContext() error = %v, wantErr %v", err, tt.wantErr)
			}
			if !tt.wantErr && v.Name != "test" {
				t.Errorf("UnmarshalWithContext() v.Name = %q, want %q", v.Name, "test")
			}
		})
	}
}

func TestGetString(t *testing.T) {
	m := map[string]interface{}{
		"str":  "value",
		"num":  42.0,
		"bool": true,
		"nil":  nil,
	}

	tests := []struct {
		key  string
		want string
	}{
		{"str", "value"},
		{"num", ""},
		{"bool", ""},
		{"nil", ""},
		{"missing", ""},
	}

	for _, tt := range tests {
		t.Run(tt.key, func(t *testing.T) {
			if got := GetString(m, tt.key); got != tt.want {
				t.Errorf("GetString(%q) = %q, want %q", tt.key, got, tt.want)
			}
		})
	}
}

func TestGetMap(t *testing.T) {
	m := map[string]interface{}{
		"obj": map[string]interface{}{"inner": "x"},
		"str": "value",
	}

	if got := GetMap(m, "obj"); got == nil || got["inner"] != "x" {
		t.Errorf("GetMap(obj) = %v, want inner map", got)
	}
	if got := GetMap(m, "str"); got != nil {
		t.Errorf("GetMap(str) = %v, want nil", got)
	}
	if got := GetMap(m, "missing"); got != nil {
		t.Errorf("GetMap(missing) = %v, want nil", got)
	}
}

func TestUnmarshalLine(t *testing.T) {
	type TestStruct struct {
		Value string `json:"value"`
	}

	tests := []struct {
		name    string
		line    string
		wantErr bool
		want    string
	}{
		{
			name:    "valid JSON line",
			line:    `{"value":"test"}`,
			wantErr: false,
			want:    "test",
		},
		{
			name:    "empty line",
			line:    "",
			wantErr: true,
			want:    "",
		},
		{
			name:    "invalid JSON",
			line:    `not json`,
			wantErr: true,
			want:    "",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var v TestStruct
			err := UnmarshalLine(tt.line, &v)
			if (err != nil) != tt.wantErr {
				t.Errorf("UnmarshalLine() error = %v, wantErr %v", err, tt.wantErr)
				return
			}
			if !tt.wantErr && v.Value != tt.want {
				t.Errorf("UnmarshalLine() v.Value = %q, want %q", v.Value, tt.want)
			}
		})
	}
}

func TestUnmarshalLineSafe(t *testing.T) {
	type TestStruct struct {
		Value string `json:"value"`
	}

	tests := []struct {
		name string
		line string
		want bool
	}{
		{"valid JSON", `{"value":"test"}`, true},
		{"empty line", "", false},
		{"invalid JSON", `not json`, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var v TestStruct
			if got := UnmarshalLineSafe(tt.line, &v); got != tt.want {
				t.Errorf("UnmarshalLineSafe() = %v, want %v", got, tt.want)
			}
		})
	}
}
