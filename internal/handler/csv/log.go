// Package csv writes every message seen on the local broker to a CSV
// stream (time, topic, payload), mainly for debugging sensor traffic.
package csv

import (
	"encoding/csv"
	"io"
	"log"
	"time"

	"github.com/agrisense/edgesync/internal/edgesync"
)

func NewTrafficLog(out io.Writer) *TrafficLog {
	w := &TrafficLog{
		csvWriter: csv.NewWriter(out),
		records:   make(chan edgesync.Message, 64),
	}
	go w.run()
	return w
}

type TrafficLog struct {
	csvWriter *csv.Writer
	records   chan edgesync.Message
}

func (w *TrafficLog) Receive(msg edgesync.Message) {
	w.records <- msg
}

func (w *TrafficLog) Stop() {
	close(w.records)
}

func (w *TrafficLog) run() {
	for r := range w.records {
		err := w.csvWriter.Write([]string{
			r.Time.Format(time.RFC3339),
			r.Topic,
			string(r.Payload),
		})
		if err != nil {
			log.Println("error: unable to write CSV", err)
		}
		w.csvWriter.Flush()
	}
}
