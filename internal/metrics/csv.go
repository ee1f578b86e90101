package metrics

import (
	"encoding/csv"
	"io"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"testnet/internal/model"
)

var header = []string{
	"timestamp",
	"node_id",
	"address",
	"floodfill",
	"ready",
	"net_status",
	"success_rate",
	"known_peers",
	"active_peers",
	"participating",
	"received_bytes",
	"sent_bytes",
	"inbound_bps",
	"outbound_bps",
}

// WriteCSV writes samples to CSV with a fixed column order.
func WriteCSV(w io.Writer, items []model.Sample) error {
	writer := csv.NewWriter(w)
	if err := writer.Write(header); err != nil {
		return err
	}
	if err := writeRecords(writer, items); err != nil {
		return err
	}
	writer.Flush()
	return writer.Error()
}

// AppendCSV appends samples to path, writing the header only when the file
// is new or empty.
func AppendCSV(path string, items []model.Sample) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return err
	}
	file, err := os.OpenFile(path, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
	if err != nil {
		return err
	}
	defer file.Close()

	info, err := file.Stat()
	if err != nil {
		return err
	}

	writer := csv.NewWriter(file)
	if info.Size() == 0 {
		if err := writer.Write(header); err != nil {
			return err
		}
	}
	if err := writeRecords(writer, items); err != nil {
		return err
	}
	writer.Flush()
	if err := writer.Error(); err != nil {
		return err
	}
	return file.Sync()
}

func writeRecords(writer *csv.Writer, items []model.Sample) error {
	for _, s := range items {
		record := []string{
			s.Timestamp.UTC().Format(time.RFC3339Nano),
			s.NodeID,
			s.Address,
			strconv.FormatBool(s.Floodfill),
			strconv.FormatBool(s.Ready),
			s.NetStatus,
			formatFloat(s.SuccessRate),
			formatFloat(s.KnownPeers),
			formatFloat(s.ActivePeers),
			formatFloat(s.Participating),
			formatFloat(s.ReceivedBytes),
			formatFloat(s.SentBytes),
			formatFloat(s.InboundBps),
			formatFloat(s.OutboundBps),
		}
		if err := writer.Write(record); err != nil {
			return err
		}
	}
	return nil
}

func formatFloat(f float64) string {
	return strconv.FormatFloat(f, 'f', -1, 64)
}
