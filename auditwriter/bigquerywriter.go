package auditwriter

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"cloud.google.com/go/bigquery"

	"github.com/dbn-project/trustlink/core"
)

const (
	BIGQUERY_RECORD_BUFFER_SIZE        = 1000
	BIGQUERY_RECORD_COUNT_THRESHOLD    = 500
	BIGQUERY_RECORD_WRITE_TIME_MILLIS  = 500
	BIGQUERY_BACKUP_CHECK_TIME_SECONDS = 60
)

// Writes audit records to BigQuery.
// If unavailability of the database lasts longer than the configured glitch
// time, the records are written to a backup file. Backup files are processed
// periodically
type BigQueryAuditWriter struct {

	// This channel will receive the records to write
	recordChan chan *core.MessageAuditRecord

	// To signal that we have finished processing records
	doneChan chan struct{}

	// Google data
	client *bigquery.Client
	table  *bigquery.Table

	// Unavailability for this time does not lead to backing up the records
	glitchTime time.Duration

	// Name of the file where the records will be written in case of database
	// unavailability
	backupFileName string

	// For sending periodic signals to empty the batch
	ticker *time.Ticker

	// For testing only
	_forceBigQueryError bool
}

// A record as inserted in the BigQuery table
type writableAuditRecord struct {
	record *core.MessageAuditRecord
}

func (w *writableAuditRecord) Save() (map[string]bigquery.Value, string, error) {
	r := w.record
	return map[string]bigquery.Value{
		"timestamp":     r.Timestamp,
		"message_id":    r.MessageId,
		"connection_id": r.ConnectionId,
		"type":          r.Type,
		"direction":     r.Direction,
		"state":         r.State,
		"from_did":      r.FromDID,
		"to_did":        r.ToDID,
		"endpoint":      r.Endpoint,
		"error":         r.Error,
		"retry_count":   r.RetryCount,
	}, r.MessageId, nil
}

// Builds a writer. Panics if the table is not reachable, because a
// misconfigured audit trail should not go unnoticed
func NewBigQueryAuditWriter(datasetName string, tableName string, glitchSeconds int, backupFileName string) *BigQueryAuditWriter {

	ctx := context.Background()

	// Check backup file location as soon as possible
	if err := os.MkdirAll(filepath.Dir(backupFileName), 0770); err != nil {
		panic("while initializing, could not create directory " + filepath.Dir(backupFileName) + " :" + err.Error())
	}

	clientOptions, projectId := core.GetGoogleAccessData()

	var client *bigquery.Client
	var err error
	if clientOptions != nil {
		client, err = bigquery.NewClient(ctx, projectId, clientOptions)
	} else {
		client, err = bigquery.NewClient(ctx, projectId)
	}
	if err != nil {
		panic("could not create bigquery client: " + err.Error())
	}

	// Try to get table metadata to verify that the provided configuration is
	// correct
	table := client.Dataset(datasetName).Table(tableName)
	if _, err = table.Metadata(ctx); err != nil {
		panic("bigquery table not available: " + projectId + "." + datasetName + "." + tableName)
	}

	w := BigQueryAuditWriter{
		recordChan:     make(chan *core.MessageAuditRecord, BIGQUERY_RECORD_BUFFER_SIZE),
		doneChan:       make(chan struct{}),
		client:         client,
		table:          table,
		glitchTime:     time.Duration(glitchSeconds) * time.Second,
		backupFileName: backupFileName,
	}

	// Rename an old backup file if exists
	os.Rename(w.backupFileName, fmt.Sprintf("%s.%d.w", w.backupFileName, time.Now().UnixMilli()))

	// Start the event loop
	go w.eventLoop()

	// Start the backup processing loop
	go w.processBackupFiles()

	return &w
}

// Implements the core.AuditSink interface
func (w *BigQueryAuditWriter) WriteMessageRecord(record core.MessageAuditRecord) {
	w.recordChan <- &record
}

// Call when sure that no more write operations will be invoked
func (w *BigQueryAuditWriter) Close() {

	// Stop sending ticks
	w.ticker.Stop()

	// Close the record channel. The channel will receive a nil and exit
	close(w.recordChan)

	// Consume all the pending records in the buffer and wait here
	<-w.doneChan

	if w.client != nil {
		w.client.Close()
	}
}

// Event processing loop
func (w *BigQueryAuditWriter) eventLoop() {

	var batch []*writableAuditRecord
	var recordCounter = 0
	var lastWritten = time.Now()
	var lastError time.Time
	var hasBackup bool

	// Sends ticks to signal that a write must be done even if the number of
	// records has not reached the triggering value
	w.ticker = time.NewTicker(BIGQUERY_RECORD_WRITE_TIME_MILLIS * time.Millisecond)

loop:
	for {
		select {
		case <-w.ticker.C:
			// Nothing to do

		case v := <-w.recordChan:
			if v == nil {
				break loop
			}
			recordCounter++
			batch = append(batch, &writableAuditRecord{record: v})
		}

		if recordCounter > BIGQUERY_RECORD_COUNT_THRESHOLD || time.Since(lastWritten).Milliseconds() > BIGQUERY_RECORD_WRITE_TIME_MILLIS {

			if err := w.sendToBigQuery(batch); err != nil {
				// Not written to bq and batch not reset
				core.GetLogger().Errorf("bq audit writer error: %s", err)

				// Only if we are outside the glitch interval, backup the
				// records
				if time.Since(lastError) > w.glitchTime && len(batch) > 0 {
					core.GetLogger().Errorf("backing up audit records!")

					file, err := os.OpenFile(w.backupFileName, os.O_RDWR|os.O_CREATE|os.O_APPEND, 0770)
					if err != nil {
						panic("could not open " + w.backupFileName + " due to " + err.Error())
					}
					hasBackup = true

					for _, wr := range batch {
						jRecord, _ := json.Marshal(wr.record)
						if _, err = file.WriteString(string(jRecord) + "\n"); err != nil {
							panic("file write error. Filename: " + w.backupFileName + "error: " + err.Error())
						}
					}
					batch = nil
					file.Close()
				}

				// Set to 0 so that we don't try again immediately later
				recordCounter = 0
				lastError = time.Now()

			} else {
				// Success. Empty the batch
				batch = nil

				// Move backup file and start processing, if just recovered
				// from an error
				if hasBackup {
					os.Rename(w.backupFileName, fmt.Sprintf("%s.%d.w", w.backupFileName, time.Now().UnixMilli()))
				}
				hasBackup = false

				recordCounter = 0
				lastError = time.Time{}
			}
			lastWritten = time.Now()
		}
	}

	// Write the remaining records
	if err := w.sendToBigQuery(batch); err != nil {
		core.GetLogger().Errorf("bq audit writer error: %s. Some records may be lost", err)
	}

	close(w.doneChan)
}

// Sends the contents of the current batch to bigquery
func (w *BigQueryAuditWriter) sendToBigQuery(batch []*writableAuditRecord) error {
	if len(batch) == 0 {
		return nil
	}
	// For testing only
	if w._forceBigQueryError {
		return errors.New("fake error")
	}
	return w.table.Inserter().Put(context.Background(), batch)
}

// Processes the backup files (the ones with names terminating in ".w")
func (w *BigQueryAuditWriter) processBackupFiles() {

	// Will run forever
	for {
		files, err := os.ReadDir(filepath.Dir(w.backupFileName))
		if err != nil {
			core.GetLogger().Errorf("could not list files in %s", filepath.Dir(w.backupFileName))
		}

		for _, file := range files {
			if strings.HasSuffix(file.Name(), ".w") {
				w.processBackupFile(file.Name())
			}
		}

		time.Sleep(BIGQUERY_BACKUP_CHECK_TIME_SECONDS * time.Second)
	}
}

// Inserts the contents of the backup file into BigQuery, and deletes the
// file if successful
func (w *BigQueryAuditWriter) processBackupFile(fileName string) error {

	fullFileName := filepath.Dir(w.backupFileName) + "/" + fileName
	file, err := os.Open(fullFileName)

	core.GetLogger().Debugf("processing backup file %s", fullFileName)

	if err != nil {
		core.GetLogger().Errorf("could not open %s", fullFileName)
		return err
	}
	defer file.Close()

	var batch []*writableAuditRecord
	fileScanner := bufio.NewScanner(file)
	for fileScanner.Scan() {
		var record core.MessageAuditRecord
		if err := json.Unmarshal(fileScanner.Bytes(), &record); err != nil {
			core.GetLogger().Errorf("bad backup record in %s: %s", fullFileName, err)
			continue
		}
		batch = append(batch, &writableAuditRecord{record: &record})
	}

	if err := w.sendToBigQuery(batch); err == nil {
		os.Remove(fullFileName)
	} else {
		core.GetLogger().Errorf("error processing backup file %s", fullFileName)
	}

	return err
}
