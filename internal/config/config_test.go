package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestParseReplicas(t *testing.T) {
	tests := []struct {
		name    string
		input   string
		want    []ReplicaSpec
		wantErr bool
	}{
		{
			name:  "empty string",
			input: "",
			want:  []ReplicaSpec{},
		},
		{
			name:  "single replica",
			input: "Dorval,DVL,8081,dvl.jar",
			want: []ReplicaSpec{
				{Name: "Dorval", Code: "DVL", Port: 8081, Path: "dvl.jar"},
			},
		},
		{
			name:  "multiple replicas with trailing separator",
			input: "Dorval,DVL,8081,dvl.jar;Kirkland,KKL,8082,kkl.jar;Westmount,WST,8083,wst.jar;",
			want: []ReplicaSpec{
				{Name: "Dorval", Code: "DVL", Port: 8081, Path: "dvl.jar"},
				{Name: "Kirkland", Code: "KKL", Port: 8082, Path: "kkl.jar"},
				{Name: "Westmount", Code: "WST", Port: 8083, Path: "wst.jar"},
			},
		},
		{
			name:  "with spaces",
			input: " Dorval , DVL , 8081 , /opt/dvl.jar ",
			want: []ReplicaSpec{
				{Name: "Dorval", Code: "DVL", Port: 8081, Path: "/opt/dvl.jar"},
			},
		},
		{
			name:    "too few fields",
			input:   "Dorval,DVL,8081",
			wantErr: true,
		},
		{
			name:    "too many fields",
			input:   "Dorval,DVL,8081,dvl.jar,extra",
			wantErr: true,
		},
		{
			name:    "non-numeric port",
			input:   "Dorval,DVL,eighty,dvl.jar",
			wantErr: true,
		},
		{
			name:    "port out of range",
			input:   "Dorval,DVL,70000,dvl.jar",
			wantErr: true,
		},
		{
			name:    "empty code",
			input:   "Dorval,,8081,dvl.jar",
			wantErr: true,
		},
		{
			name:    "duplicate code",
			input:   "Dorval,DVL,8081,dvl.jar;Dorval2,DVL,8082,dvl2.jar",
			wantErr: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := ParseReplicas(tt.input)
			if (err != nil) != tt.wantErr {
				t.Errorf("ParseReplicas() error = %v, wantErr %v", err, tt.wantErr)
				return
			}
			if !tt.wantErr {
				if len(got) != len(tt.want) {
					t.Errorf("ParseReplicas() length = %d, want %d", len(got), len(tt.want))
					return
				}
				for i := range got {
					if got[i] != tt.want[i] {
						t.Errorf("ParseReplicas()[%d] = %v, want %v", i, got[i], tt.want[i])
					}
				}
			}
		})
	}
}

func TestParsePeers(t *testing.T) {
	tests := []struct {
		name    string
		input   string
		want    []Peer
		wantErr bool
	}{
		{
			name:  "empty string",
			input: "",
			want:  []Peer{},
		},
		{
			name:  "single peer",
			input: "10.0.0.2,8034",
			want:  []Peer{{Addr: "10.0.0.2", Port: 8034}},
		},
		{
			name:  "multiple peers",
			input: "10.0.0.2,8034;10.0.0.3,8034;rm-c.local,8020",
			want: []Peer{
				{Addr: "10.0.0.2", Port: 8034},
				{Addr: "10.0.0.3", Port: 8034},
				{Addr: "rm-c.local", Port: 8020},
			},
		},
		{
			name:    "missing port",
			input:   "10.0.0.2",
			wantErr: true,
		},
		{
			name:    "non-numeric port",
			input:   "10.0.0.2,abc",
			wantErr: true,
		},
		{
			name:    "empty address",
			input:   ",8034",
			wantErr: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := ParsePeers(tt.input)
			if (err != nil) != tt.wantErr {
				t.Errorf("ParsePeers() error = %v, wantErr %v", err, tt.wantErr)
				return
			}
			if !tt.wantErr {
				if len(got) != len(tt.want) {
					t.Errorf("ParsePeers() length = %d, want %d", len(got), len(tt.want))
					return
				}
				for i := range got {
					if got[i] != tt.want[i] {
						t.Errorf("ParsePeers()[%d] = %v, want %v", i, got[i], tt.want[i])
					}
				}
			}
		})
	}
}

func TestConfig_BuildRegistry(t *testing.T) {
	cfg := Default()
	cfg.ReplicaSpec = "Dorval,DVL,8081,dvl.jar;Kirkland,KKL,8082,kkl.jar"
	cfg.PeerSpec = "10.0.0.2,8034;10.0.0.3,8034"

	reg, err := cfg.BuildRegistry()
	if err != nil {
		t.Fatalf("BuildRegistry() error: %v", err)
	}
	if got := reg.Port("KKL"); got != 8082 {
		t.Errorf("Port(KKL) = %d, want 8082", got)
	}
	if got := len(reg.Peers()); got != 2 {
		t.Errorf("Expected 2 peers, got %d", got)
	}
}

func TestConfig_BuildRegistryFailsFast(t *testing.T) {
	cfg := Default()
	cfg.ReplicaSpec = "Dorval,DVL,8081,dvl.jar"
	cfg.PeerSpec = "10.0.0.2;10.0.0.3"

	if _, err := cfg.BuildRegistry(); err == nil {
		t.Error("Expected error for malformed peer list")
	}
}

func TestConfig_Validate(t *testing.T) {
	cfg := Default()
	if err := cfg.Validate(); err != nil {
		t.Fatalf("Default config should be valid: %v", err)
	}

	cfg.Workers = 0
	cfg.QuorumTimeout = -time.Second
	if err := cfg.Validate(); err == nil {
		t.Error("Expected validation error")
	}
}

func TestConfig_LaunchCommand(t *testing.T) {
	cfg := Default()
	got := cfg.LaunchCommand()
	if len(got) != 2 || got[0] != "java" || got[1] != "-jar" {
		t.Errorf("LaunchCommand() = %v", got)
	}

	cfg.ReplicaCommand = ""
	if got := cfg.LaunchCommand(); len(got) != 0 {
		t.Errorf("Expected empty prefix, got %v", got)
	}
}

func TestLoadSpecFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "replicas.txt")
	content := "\n  Dorval,DVL,8081,dvl.jar;Kirkland,KKL,8082,kkl.jar  \nignored\n"
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatal(err)
	}

	got, err := LoadSpecFile(path)
	if err != nil {
		t.Fatalf("LoadSpecFile() error: %v", err)
	}
	if got != "Dorval,DVL,8081,dvl.jar;Kirkland,KKL,8082,kkl.jar" {
		t.Errorf("LoadSpecFile() = %q", got)
	}

	if _, err := LoadSpecFile(filepath.Join(t.TempDir(), "missing")); err == nil {
		t.Error("Expected error for missing file")
	}
}
