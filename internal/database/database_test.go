package database

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
)

func TestWaitForPingRetries(t *testing.T) {
	db, mock, err := sqlmock.New(sqlmock.MonitorPingsOption(true))
	if err != nil {
		t.Fatalf("failed to create sqlmock: %v", err)
	}
	defer db.Close()

	mock.ExpectPing().WillReturnError(errors.New("connection refused"))
	mock.ExpectPing()

	cfg := Config{ConnectTimeout: time.Second, ConnectAttempts: 3, ConnectBackoff: time.Millisecond}
	if err := waitForPing(context.Background(), db, cfg); err != nil {
		t.Fatalf("waitForPing() error = %v", err)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Errorf("unmet expectations: %v", err)
	}
}

func TestWaitForPingGivesUp(t *testing.T) {
	db, mock, err := sqlmock.New(sqlmock.MonitorPingsOption(true))
	if err != nil {
		t.Fatalf("failed to create sqlmock: %v", err)
	}
	defer db.Close()

	refused := errors.New("connection refused")
	mock.ExpectPing().WillReturnError(refused)
	mock.ExpectPing().WillReturnError(refused)

	cfg := Config{ConnectTimeout: time.Second, ConnectAttempts: 2, ConnectBackoff: time.Millisecond}
	if err := waitForPing(context.Background(), db, cfg); !errors.Is(err, refused) {
		t.Fatalf("expected wrapped ping error, got %v", err)
	}
}

func TestHealthCheck(t *testing.T) {
	db, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("failed to create sqlmock: %v", err)
	}
	defer db.Close()

	mock.ExpectQuery("SELECT 1").WillReturnRows(sqlmock.NewRows([]string{"?column?"}).AddRow(1))
	if err := HealthCheck(context.Background(), db); err != nil {
		t.Fatalf("HealthCheck() error = %v", err)
	}

	mock.ExpectQuery("SELECT 1").WillReturnError(errors.New("database is shutting down"))
	if err := HealthCheck(context.Background(), db); err == nil {
		t.Fatal("expected error from failing health query")
	}

	if got := Stats(db)["open_connections"]; got == nil {
		t.Error("expected open_connections in stats")
	}
}
