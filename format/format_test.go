package format

import (
	"testing"
)

func TestHumanNumber(t *testing.T) {
	cases := []struct {
		input    uint64
		expected string
	}{
		{0, "0"},
		{100, "100"},
		{1000, "1.00K"},
		{65536, "65.5K"},
		{1000000, "1.00M"},
		{206000000, "206M"},
		{7000000000, "7.00B"},
		{1000000000000, "1.00T"},
	}

	for _, tc := range cases {
		t.Run(tc.expected, func(t *testing.T) {
			if result := HumanNumber(tc.input); result != tc.expected {
				t.Errorf("Expected %s, got %s", tc.expected, result)
			}
		})
	}
}

func TestHumanBytes(t *testing.T) {
	cases := []struct {
		input    int64
		expected string
	}{
		{0, "0 B"},
		{40, "40 B"},
		{999, "999 B"},
		{1000, "1.0 KB"},
		{1536, "1.5 KB"},
		{2_500_000, "2.5 MB"},
		{7_000_000_000, "7.0 GB"},
		{1_200_000_000_000, "1.2 TB"},
	}

	for _, tc := range cases {
		t.Run(tc.expected, func(t *testing.T) {
			if result := HumanBytes(tc.input); result != tc.expected {
				t.Errorf("Expected %s, got %s", tc.expected, result)
			}
		})
	}
}
