package device

import "testing"

func TestSelectionMatches(t *testing.T) {
	online := func(serial string) *Device { return NewDevice(serial, StateOnline) }
	withProduct := func(serial, product, variant string) *Device {
		d := online(serial)
		d.SetProductInfo(product, variant)
		return d
	}
	withBattery := func(serial string, level int) *Device {
		d := online(serial)
		d.SetBattery(level)
		return d
	}
	min50, max80 := 50, 80

	tests := []struct {
		name      string
		selection Selection
		device    *Device
		expected  bool
	}{
		{"empty selection matches anything", Selection{}, online("A1B2"), true},
		{"empty selection matches stubs", Selection{}, NewStub("emulator-5554", true), true},
		{"serial match", Selection{Serials: []string{"A1B2"}}, online("A1B2"), true},
		{"serial mismatch", Selection{Serials: []string{"A1B2"}}, online("C3D4"), false},
		{"excluded serial", Selection{ExcludeSerials: []string{"A1B2"}}, online("A1B2"), false},
		{"not excluded", Selection{ExcludeSerials: []string{"A1B2"}}, online("C3D4"), true},
		{"product match", Selection{ProductType: "a54x"}, withProduct("A1B2", "a54x", "eea"), true},
		{"product mismatch", Selection{ProductType: "a54x"}, withProduct("A1B2", "other", "eea"), false},
		{"variant mismatch", Selection{ProductVariant: "eea"}, withProduct("A1B2", "a54x", "usa"), false},
		{"battery in range", Selection{MinBattery: &min50}, withBattery("A1B2", 75), true},
		{"battery below min", Selection{MinBattery: &min50}, withBattery("A1B2", 20), false},
		{"battery above max", Selection{MaxBattery: &max80}, withBattery("A1B2", 95), false},
		{"battery unknown fails range checks", Selection{MinBattery: &min50}, online("A1B2"), false},
		{"emulator only accepts emulator", Selection{EmulatorOnly: true}, NewStub("emulator-5554", true), true},
		{"emulator only rejects device", Selection{EmulatorOnly: true}, online("A1B2"), false},
		{"device only rejects emulator", Selection{DeviceOnly: true}, online("emulator-5554"), false},
		{"device only rejects stub", Selection{DeviceOnly: true}, NewStub("ZZ99", false), false},
		{"device only accepts physical", Selection{DeviceOnly: true}, online("A1B2"), true},
		{"exclude null rejects null", Selection{ExcludeNull: true}, NewNullDevice("null-device-0"), false},
		{"exclude null keeps stub", Selection{ExcludeNull: true}, NewStub("ZZ99", false), true},
		{"exclude stubs rejects all placeholders", Selection{ExcludeStubs: true}, NewFastbootDevice("FB01"), false},
		{"exclude stubs keeps physical", Selection{ExcludeStubs: true}, online("A1B2"), true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := tt.selection.Matches(tt.device); got != tt.expected {
				t.Errorf("Matches() = %v, want %v", got, tt.expected)
			}
		})
	}
}
