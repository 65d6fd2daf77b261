package auditwriter

import (
	"os"
	"time"

	"github.com/dbn-project/trustlink/core"
)

const (
	RECORD_BUFFER_SIZE = 1000
)

// Writes audit records to files rotating by date.
// The date in the name of the file follows the creation date. Records stored
// may span a longer time than implied in the file name
type FileAuditWriter struct {

	// This channel will receive the records to write
	recordChan chan *core.MessageAuditRecord

	// To signal that we have finished processing records
	doneChan chan struct{}

	// Externally created, holding the method to format the record
	formatter AuditFormatter

	// Timestamp in unix seconds for the currently being used file
	currentFileTimestamp int64

	// For sanity check
	currentFileName string

	// The file in use now
	file *os.File

	// Writer configuration
	rotateSeconds  int64
	filePath       string
	fileNameFormat string
}

// Builds a writer
func NewFileAuditWriter(filePath string, fileNameFormat string, formatter AuditFormatter, rotateSeconds int64) *FileAuditWriter {

	if err := os.MkdirAll(filePath, 0770); err != nil {
		panic("while initializing, could not create " + filePath + " :" + err.Error())
	}

	w := FileAuditWriter{
		recordChan:     make(chan *core.MessageAuditRecord, RECORD_BUFFER_SIZE),
		doneChan:       make(chan struct{}),
		formatter:      formatter,
		rotateSeconds:  rotateSeconds,
		filePath:       filePath,
		fileNameFormat: fileNameFormat,
	}

	w.rotateFile()

	go w.eventLoop()

	return &w
}

// Implements the core.AuditSink interface
func (w *FileAuditWriter) WriteMessageRecord(record core.MessageAuditRecord) {
	w.recordChan <- &record
}

func (w *FileAuditWriter) eventLoop() {

	for record := range w.recordChan {

		// Check if we must rotate
		if time.Now().Unix() >= w.currentFileTimestamp+w.rotateSeconds {
			w.rotateFile()
		}

		if _, err := w.file.WriteString(w.formatter.GetAuditString(record)); err != nil {
			panic("file write error. Filename: " + w.file.Name() + "error: " + err.Error())
		}
	}

	close(w.doneChan)
}

// Must be called in the eventLoop
func (w *FileAuditWriter) rotateFile() {

	if w.file != nil {
		w.file.Close()
	}

	fileName := w.filePath + "/" + time.Now().Format(w.fileNameFormat) + ".txt"
	// Sanity check
	if fileName == w.currentFileName {
		panic("File name not changed when rotating: " + fileName)
	}

	file, err := os.OpenFile(fileName, os.O_RDWR|os.O_CREATE|os.O_APPEND, 0770)
	if err != nil {
		panic("while rotating, could not create " + fileName + " due to " + err.Error())
	}
	w.file = file
	w.currentFileName = fileName
	w.currentFileTimestamp = time.Now().Unix()
}

// Call when sure that no more write operations will be invoked
func (w *FileAuditWriter) Close() {
	close(w.recordChan)

	// Consume all the pending records in the buffer
	<-w.doneChan

	w.file.Close()
}
