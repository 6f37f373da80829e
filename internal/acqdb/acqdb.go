// Package acqdb records receiver sessions, acquisitions, and stream
// errors in a ClickHouse database.
package acqdb

import (
	"context"
	"fmt"
	"os"
	"sync"
	"time"

	"github.com/ClickHouse/clickhouse-go/v2"
)

const databaseName = "usrprx" // official SQL name of the database

// dbTimeLayout is how timestamps are rendered for DateTime64 columns.
const dbTimeLayout = "2006-01-02 15:04:05.000000"

// Connection wraps a ClickHouse connection plus the channels that feed
// it. A Connection whose server could not be reached still works: every
// Record method becomes a no-op.
type Connection struct {
	conn         clickhouse.Conn
	err          error
	sessionEntry *SessionMessage
	acqmsg       chan *AcquisitionMessage
	errmsg       chan *StreamErrorMessage
	sync.WaitGroup
}

// IsConnected reports whether the database can accept inserts.
func (db *Connection) IsConnected() bool {
	return (db != nil) && (db.conn != nil) && (db.err == nil)
}

// Connect opens a ClickHouse connection with the given options and
// verifies it with a ping.
func Connect(opt *clickhouse.Options) (*Connection, error) {
	conn, err := clickhouse.Open(opt)
	if err != nil {
		return nil, err
	}
	db := &Connection{conn: conn}
	if err := conn.Ping(context.Background()); err != nil {
		if exception, ok := err.(*clickhouse.Exception); ok {
			fmt.Printf("Exception [%d] %s \n%s\n", exception.Code, exception.Message, exception.StackTrace)
		}
		return nil, err
	}
	return db, nil
}

// PingServer checks that a ClickHouse server is reachable and prints its
// version.
func PingServer() error {
	db, err := Connect(serverOptions())
	if err != nil {
		return err
	}
	v, err := db.conn.ServerVersion()
	if err != nil {
		return err
	}
	fmt.Printf("ClickHouse server is alive. Version:\n%s\n", v)
	return db.conn.Close()
}

// StartConnection opens the database, logs the session entry, and starts
// the goroutine that handles insert messages until abort closes.
func StartConnection(session *SessionMessage, abort <-chan struct{}) *Connection {
	db := createConnection()
	db.sessionEntry = session
	db.logSession()
	go db.handleConnection(abort)
	return db
}

// DummyConnection returns a Connection that stores nothing. Record
// methods do nothing and Wait returns immediately.
func DummyConnection() *Connection {
	return &Connection{}
}

func serverOptions() *clickhouse.Options {
	addr := os.Getenv("USRP_DB_ADDR")
	if addr == "" {
		addr = "localhost:9000"
	}
	auth := clickhouse.Auth{
		Database: databaseName,
		Username: os.Getenv("USRP_DB_USER"),
		Password: os.Getenv("USRP_DB_PASSWORD"),
	}
	client := clickhouse.ClientInfo{
		Products: []struct {
			Name    string
			Version string
		}{
			{Name: "usrprx", Version: "unknown"},
		},
	}
	return &clickhouse.Options{
		Addr:       []string{addr},
		Auth:       auth,
		ClientInfo: client,
		TLS:        nil,
	}
}

func createConnection() *Connection {
	db := &Connection{}
	conn, err := clickhouse.Open(serverOptions())
	if err != nil {
		db.err = err
		return db
	}
	db.conn = conn
	db.Add(1)

	// Ping the server at the DB connection.
	if err = conn.Ping(context.Background()); err != nil {
		if exception, ok := err.(*clickhouse.Exception); ok {
			fmt.Printf("Exception [%d] %s \n%s\n", exception.Code, exception.Message, exception.StackTrace)
		}
		db.err = err
		db.Done()
		return db
	}

	db.acqmsg = make(chan *AcquisitionMessage)
	db.errmsg = make(chan *StreamErrorMessage)
	return db
}

func (db *Connection) logSession() {
	if !db.IsConnected() {
		return
	}
	ctx := context.Background()
	const nowait = false
	se := db.sessionEntry
	formattedStart := se.Start.Format(dbTimeLayout)
	formattedEnd := se.End.Format(dbTimeLayout)
	if err := db.conn.AsyncInsert(ctx, `INSERT INTO rxsessions VALUES (?, ?, ?, ?, ?, ?, ?, ?)`, nowait,
		se.ID, se.Hostname, se.Githash, se.Version,
		se.GoVersion, se.CPUs, formattedStart, formattedEnd,
	); err != nil {
		fmt.Println("Error raised on AsyncInsert into rxsessions ", err)
		db.err = err
	}
}

func (db *Connection) handleConnection(abort <-chan struct{}) {
	if !db.IsConnected() {
		return
	}
	defer db.Done()
	for {
		select {
		case <-abort:
			db.Disconnect()
			return
		case amsg := <-db.acqmsg:
			db.handleAcquisitionMessage(amsg)
		case emsg := <-db.errmsg:
			db.handleStreamErrorMessage(emsg)
		}
	}
}

// Disconnect closes out the session entry with an end time.
func (db *Connection) Disconnect() {
	if db.IsConnected() {
		db.sessionEntry.End = time.Now()
		db.logSession()
	}
}

// RecordAcquisition takes an AcquisitionMessage and stores it in the DB
// (if it's open). This function blocks until the select statement in
// handleConnection accepts the message.
// WARNING: Don't change this blocking behavior! It is how we ensure that
// an acquisition is entered in the DB before any corresponding stream
// error rows arrive. Without the blocking, there would be a race between
// the 2 kinds of DB entries, and some errors would refer to acquisition
// IDs not yet on record.
func (db *Connection) RecordAcquisition(msg *AcquisitionMessage) {
	if !db.IsConnected() || msg == nil {
		return
	}
	db.acqmsg <- msg
}

// FinishAcquisition re-enters an acquisition with its end time and final
// counters filled in.
func (db *Connection) FinishAcquisition(msg *AcquisitionMessage) {
	if !db.IsConnected() || msg == nil {
		return
	}
	msg.End = time.Now()
	go func() { db.acqmsg <- msg }()
}

// RecordStreamError stores one reported stream error in the DB (if it's
// open).
func (db *Connection) RecordStreamError(msg *StreamErrorMessage) {
	if !db.IsConnected() || msg == nil {
		return
	}
	go func() { db.errmsg <- msg }()
}

func (db *Connection) handleAcquisitionMessage(m *AcquisitionMessage) {
	if !db.IsConnected() {
		return
	}
	ctx := context.Background()
	const nowait = false
	formattedStart := m.Start.Format(dbTimeLayout)
	formattedEnd := m.End.Format(dbTimeLayout)
	if err := db.conn.AsyncInsert(ctx, `INSERT INTO acquisitions VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`, nowait,
		m.ID, db.sessionEntry.ID, m.Kind, m.Timed, m.StartTag,
		m.WordsRequested, m.WordsStreamed, m.Packets, m.CaptureFile,
		formattedStart, formattedEnd,
	); err != nil {
		fmt.Println("Error raised on AsyncInsert into acquisitions ", err)
		db.err = err
	}
}

func (db *Connection) handleStreamErrorMessage(m *StreamErrorMessage) {
	if !db.IsConnected() {
		return
	}
	ctx := context.Background()
	const nowait = false
	formattedLogged := m.Logged.Format(dbTimeLayout)
	if err := db.conn.AsyncInsert(ctx, `INSERT INTO streamerrors VALUES (?, ?, ?, ?, ?)`, nowait,
		m.AcquisitionID, m.Code, m.Name, m.Tag, formattedLogged,
	); err != nil {
		fmt.Println("Error raised on AsyncInsert into streamerrors ", err)
		db.err = err
	}
}
