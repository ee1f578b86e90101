package metrics

import (
	"encoding/csv"
	"fmt"
	"io"
	"os"
	"strconv"
	"time"

	"testnet/internal/model"
)

// ReadCSV loads samples from a CSV file.
func ReadCSV(path string) ([]model.Sample, error) {
	file, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer file.Close()

	return readCSV(file)
}

func readCSV(r io.Reader) ([]model.Sample, error) {
	reader := csv.NewReader(r)
	records, err := reader.ReadAll()
	if err != nil {
		return nil, err
	}
	if len(records) == 0 {
		return nil, nil
	}

	start := 0
	if len(records[0]) > 0 && records[0][0] == "timestamp" {
		start = 1
	}

	items := make([]model.Sample, 0, len(records)-start)
	for i := start; i < len(records); i++ {
		rec := records[i]
		if len(rec) < len(header) {
			return nil, fmt.Errorf("invalid record at line %d", i+1)
		}
		ts, err := time.Parse(time.RFC3339Nano, rec[0])
		if err != nil {
			return nil, fmt.Errorf("invalid timestamp at line %d: %w", i+1, err)
		}
		floodfill, _ := strconv.ParseBool(rec[3])
		ready, _ := strconv.ParseBool(rec[4])
		nums := make([]float64, 8)
		for j := range nums {
			nums[j], _ = strconv.ParseFloat(rec[6+j], 64)
		}
		items = append(items, model.Sample{
			Timestamp:     ts,
			NodeID:        rec[1],
			Address:       rec[2],
			Floodfill:     floodfill,
			Ready:         ready,
			NetStatus:     rec[5],
			SuccessRate:   nums[0],
			KnownPeers:    nums[1],
			ActivePeers:   nums[2],
			Participating: nums[3],
			ReceivedBytes: nums[4],
			SentBytes:     nums[5],
			InboundBps:    nums[6],
			OutboundBps:   nums[7],
		})
	}

	return items, nil
}
