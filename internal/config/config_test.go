package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestClient_Config(t *testing.T) {
	t.Parallel()

	t.Run("Load_and_accessors", func(t *testing.T) {
		t.Parallel()
		ifcs := []InterfaceConfig{{Name: "eth0", Address: "10.0.0.1", Mask: "255.255.255.0", MTU: 1500}}
		path := writeTempConfig(t, ifcs, nil)

		cfg, err := Load(path)
		require.NoError(t, err)
		require.Equal(t, ifcs, cfg.InterfacesSnapshot())
		require.Nil(t, cfg.NATSnapshot())

		require.Eventually(t, func() bool {
			select {
			case <-cfg.Changed():
				return true
			default:
				return false
			}
		}, 2*time.Second, 10*time.Millisecond)
	})

	t.Run("Update_writes_to_disk_and_notifies_once", func(t *testing.T) {
		t.Parallel()
		ifcs := []InterfaceConfig{{Name: "eth0", Address: "10.0.0.1", Mask: "255.255.255.0", MTU: 1500}}
		path := writeTempConfig(t, ifcs, nil)

		cfg, err := Load(path)
		require.NoError(t, err)

		nat := &NATConfig{PublicInterface: "pub", PortRangeLow: 40000, PortRangeHigh: 40100}
		changed, err := cfg.Update(ifcs, nat, cfg.TimersSnapshot())
		require.NoError(t, err)
		require.True(t, changed)

		onDisk := readConfigFile(t, path)
		require.Equal(t, nat.PublicInterface, onDisk.NAT.PublicInterface)

		require.Eventually(t, func() bool {
			select {
			case <-cfg.Changed():
				return true
			default:
				return false
			}
		}, 2*time.Second, 10*time.Millisecond)

		// No-op update should not notify nor rewrite.
		changed, err = cfg.Update(ifcs, nat, cfg.TimersSnapshot())
		require.NoError(t, err)
		require.False(t, changed)
		select {
		case <-cfg.Changed():
			t.Fatalf("unexpected signal for no-op update")
		default:
		}
	})

	t.Run("Coalesced_notifications_buffer_1", func(t *testing.T) {
		t.Parallel()
		path := writeTempConfig(t, nil, nil)

		cfg, err := Load(path)
		require.NoError(t, err)

		_, err = cfg.Update(nil, &NATConfig{PublicInterface: "pub1"}, cfg.TimersSnapshot())
		require.NoError(t, err)
		_, err = cfg.Update(nil, &NATConfig{PublicInterface: "pub2"}, cfg.TimersSnapshot()) // back-to-back without draining
		require.NoError(t, err)

		// Only one signal should be queued.
		require.Eventually(t, func() bool {
			select {
			case <-cfg.Changed():
				return true
			default:
				return false
			}
		}, 2*time.Second, 10*time.Millisecond)
		select {
		case <-cfg.Changed():
			t.Fatalf("expected only one coalesced signal")
		default:
		}

		// After drain, next update signals again.
		_, err = cfg.Update(nil, &NATConfig{PublicInterface: "pub3"}, cfg.TimersSnapshot())
		require.NoError(t, err)
		require.Eventually(t, func() bool {
			select {
			case <-cfg.Changed():
				return true
			default:
				return false
			}
		}, 2*time.Second, 10*time.Millisecond)
	})

	t.Run("Concurrent_updates_coalesce_when_not_drained", func(t *testing.T) {
		t.Parallel()
		path := writeTempConfig(t, nil, nil)

		cfg, err := Load(path)
		require.NoError(t, err)

		done := make(chan struct{})
		go func() {
			for i := 0; i < 50; i++ {
				nat := &NATConfig{PublicInterface: fmt.Sprintf("pub%d", i), PortRangeLow: 40000, PortRangeHigh: 40100}
				_, err := cfg.Update(nil, nat, cfg.TimersSnapshot()) // ignore errors for the burst
				require.NoError(t, err)
			}
			close(done)
		}()
		<-done

		// We never drained during updates; buffer size is 1 → exactly one signal.
		require.Eventually(t, func() bool {
			select {
			case <-cfg.Changed():
				return true
			default:
				return false
			}
		}, 2*time.Second, 10*time.Millisecond)
		select {
		case <-cfg.Changed():
			t.Fatalf("expected only one coalesced signal after burst")
		default:
		}

		// On-disk must remain valid JSON; exact values depend on last write timing.
		_ = readConfigFile(t, path)
	})

	t.Run("Load_missing_file_returns_error", func(t *testing.T) {
		t.Parallel()
		_, err := Load(filepath.Join(t.TempDir(), "nope.json"))
		require.Error(t, err)
	})

	t.Run("Load_malformed_json_returns_error", func(t *testing.T) {
		t.Parallel()
		p := filepath.Join(t.TempDir(), "bad.json")
		require.NoError(t, os.WriteFile(p, []byte("{not-json"), 0o644))
		_, err := Load(p)
		require.Error(t, err)
	})

	t.Run("LoadYAML_reads_static_file_and_persists_to_state_path", func(t *testing.T) {
		t.Parallel()
		dir := t.TempDir()
		yamlPath := filepath.Join(dir, "bringup.yaml")
		statePath := filepath.Join(dir, "state.json")
		require.NoError(t, os.WriteFile(yamlPath, []byte(`
interfaces:
  - name: eth0
    address: 10.0.0.1
    mask: 255.255.255.0
    mtu: 1500
nat:
  public_interface: pub
  port_range_low: 40000
  port_range_high: 40100
`), 0o644))

		cfg, err := LoadYAML(yamlPath, statePath)
		require.NoError(t, err)
		require.Equal(t, "eth0", cfg.InterfacesSnapshot()[0].Name)
		require.Equal(t, "pub", cfg.NATSnapshot().PublicInterface)
		require.Equal(t, DefaultTimers(), cfg.TimersSnapshot())

		// saveLocked ran against statePath, not yamlPath.
		_, err = os.Stat(statePath)
		require.NoError(t, err)

		reloaded, err := Load(statePath)
		require.NoError(t, err)
		require.Equal(t, cfg.InterfacesSnapshot(), reloaded.InterfacesSnapshot())
	})

	t.Run("Changed_returns_same_channel_instance", func(t *testing.T) {
		t.Parallel()
		path := writeTempConfig(t, nil, nil)
		cfg, err := Load(path)
		require.NoError(t, err)
		ch1 := cfg.Changed()
		ch2 := cfg.Changed()
		require.Equal(t, ch1, ch2) // channels are comparable
	})

	t.Run("Atomic_write_never_yields_partial_JSON_during_updates", func(t *testing.T) {
		t.Parallel()
		path := writeTempConfig(t, nil, nil)
		cfg, err := Load(path)
		require.NoError(t, err)

		// writer: hammer updates
		done := make(chan struct{})
		go func() {
			for i := 0; i < 200; i++ {
				nat := &NATConfig{PublicInterface: fmt.Sprintf("pub%d", i)}
				_, err := cfg.Update(nil, nat, cfg.TimersSnapshot())
				require.NoError(t, err)
				time.Sleep(1 * time.Millisecond)
			}
			close(done)
		}()

		// reader: repeatedly read+unmarshal from disk; should always succeed
		for i := 0; i < 400; i++ {
			_ = readConfigFile(t, path) // fails test if invalid/partial JSON is observed
			time.Sleep(500 * time.Microsecond)
		}
		<-done
	})

	t.Run("Concurrent_readers_and_writers_accessors_safe", func(t *testing.T) {
		t.Parallel()
		path := writeTempConfig(t, nil, nil)
		t.Cleanup(func() { os.RemoveAll(filepath.Dir(path)) })

		cfg, err := Load(path)
		require.NoError(t, err)

		stop := make(chan struct{})

		// readers
		for r := 0; r < 8; r++ {
			go func() {
				for {
					select {
					case <-stop:
						return
					default:
						_ = cfg.InterfacesSnapshot()
						_ = cfg.NATSnapshot()
						time.Sleep(100 * time.Microsecond)
					}
				}
			}()
		}

		// writer (report errors through a channel; don't call require from goroutine)
		writerDone := make(chan error, 1)
		go func() {
			for i := range 100 {
				nat := &NATConfig{PublicInterface: fmt.Sprintf("pub%d", i)}
				_, err := cfg.Update(nil, nat, cfg.TimersSnapshot())
				if err != nil {
					writerDone <- err
					close(stop)
					return
				}
				time.Sleep(200 * time.Microsecond)
			}
			close(stop)
			writerDone <- nil
		}()

		// we should receive at least one signal eventually
		require.Eventually(t, func() bool {
			select {
			case <-cfg.Changed():
				return true
			default:
				return false
			}
		}, 2*time.Second, 10*time.Millisecond)

		// ensure the writer finished before the test returns (avoids cleanup racing with writes)
		require.NoError(t, <-writerDone)
	})

}

type diskConfig struct {
	Interfaces []InterfaceConfig `json:"interfaces"`
	NAT        *NATConfig        `json:"nat,omitempty"`
	Timers     TimerConfig       `json:"timers"`
}

func writeTempConfig(t *testing.T, ifcs []InterfaceConfig, nat *NATConfig) (path string) {
	t.Helper()
	dir := t.TempDir()
	path = filepath.Join(dir, "config.json")
	b, err := json.Marshal(diskConfig{Interfaces: ifcs, NAT: nat, Timers: DefaultTimers()})
	require.NoError(t, err)
	require.NoError(t, os.WriteFile(path, b, 0o644))
	return path
}

func readConfigFile(t *testing.T, path string) diskConfig {
	t.Helper()
	b, err := os.ReadFile(path)
	require.NoError(t, err)
	var c diskConfig
	require.NoError(t, json.Unmarshal(b, &c))
	return c
}
