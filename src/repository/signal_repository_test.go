package repository

import (
	"context"
	"regexp"
	"testing"
	"time"

	"signalpipeline/src/model"

	"github.com/DATA-DOG/go-sqlmock"
)

func TestSignalRepositoryFindRawAfterID(t *testing.T) {
	readDB, readMock := newMockDB(t)
	mainDB, _ := newMockDB(t)
	repo := (&SignalRepository{}).WithDB(readDB, mainDB)

	emitted := time.Date(2025, 6, 2, 12, 0, 0, 0, time.UTC)
	rows := sqlmock.NewRows([]string{"id", "producer", "symbol", "action", "confidence", "scale", "emitted_at"}).
		AddRow(6, "ema_cloud", "AAPL", "buy", 0.8, "unit", emitted).
		AddRow(7, "sentiment", "BTC-USD", "short", 65.0, "percent", emitted)

	readMock.ExpectQuery(regexp.QuoteMeta(`SELECT * FROM "producer_signals" WHERE id > $1 ORDER BY id ASC LIMIT $2`)).
		WithArgs(uint(5), 50).
		WillReturnRows(rows)

	raws, err := repo.FindRawAfterID(context.Background(), 5, 50)
	if err != nil {
		t.Fatalf("unexpected error fetching raw signals: %v", err)
	}
	if len(raws) != 2 {
		t.Fatalf("expected 2 raw signals, got %d", len(raws))
	}
	if raws[0].ID != 6 || raws[1].ID != 7 {
		t.Fatalf("raw signals not in id order: %+v", raws)
	}
	if raws[1].Scale != "percent" {
		t.Fatalf("unexpected raw signal: %+v", raws[1])
	}

	if err := readMock.ExpectationsWereMet(); err != nil {
		t.Fatalf("unmet sqlmock expectations: %v", err)
	}
}

func TestSignalRepositoryFindRawAfterIDDefaultsLimit(t *testing.T) {
	readDB, readMock := newMockDB(t)
	mainDB, _ := newMockDB(t)
	repo := (&SignalRepository{}).WithDB(readDB, mainDB)

	readMock.ExpectQuery(regexp.QuoteMeta(`SELECT * FROM "producer_signals" WHERE id > $1 ORDER BY id ASC LIMIT $2`)).
		WithArgs(uint(0), 100).
		WillReturnRows(sqlmock.NewRows([]string{"id"}))

	if _, err := repo.FindRawAfterID(context.Background(), 0, 0); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if err := readMock.ExpectationsWereMet(); err != nil {
		t.Fatalf("unmet sqlmock expectations: %v", err)
	}
}

func TestSignalRepositoryCreate(t *testing.T) {
	readDB, _ := newMockDB(t)
	mainDB, mainMock := newMockDB(t)
	repo := (&SignalRepository{}).WithDB(readDB, mainDB)

	sig := &model.Signal{
		SignalID:   "7c9e6679-7425-40de-944b-e07fc1f90ae7",
		Ticker:     "AAPL",
		Source:     model.SourceEMACloud,
		Direction:  model.DirectionLong,
		Conviction: 72.5,
		SignalType: "ema_cross",
		EntryPrice: 200,
	}

	mainMock.ExpectBegin()
	mainMock.ExpectQuery(regexp.QuoteMeta(`INSERT INTO "signals" ("signal_id","ticker","source","direction","conviction","signal_type","entry_price","stop_loss","target_price","metadata","created_at") VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11) RETURNING "id"`)).
		WithArgs(sig.SignalID, "AAPL", model.SourceEMACloud, model.DirectionLong, 72.5, "ema_cross", 200.0, nil, nil, "", sqlmock.AnyArg()).
		WillReturnRows(sqlmock.NewRows([]string{"id"}).AddRow(42))
	mainMock.ExpectCommit()

	if err := repo.Create(context.Background(), sig); err != nil {
		t.Fatalf("unexpected error persisting signal: %v", err)
	}
	if sig.ID != 42 {
		t.Fatalf("signal id = %d, want 42 from returning clause", sig.ID)
	}

	if err := mainMock.ExpectationsWereMet(); err != nil {
		t.Fatalf("unmet sqlmock expectations: %v", err)
	}
}

func TestSignalRepositoryFindBySignalID(t *testing.T) {
	readDB, _ := newMockDB(t)
	mainDB, mainMock := newMockDB(t)
	repo := (&SignalRepository{}).WithDB(readDB, mainDB)

	t.Run("found", func(t *testing.T) {
		rows := sqlmock.NewRows([]string{"id", "signal_id", "ticker", "source", "direction"}).
			AddRow(3, "sig-3", "ETHUSDT", "momentum_breakout", "long")
		mainMock.ExpectQuery(regexp.QuoteMeta(`SELECT * FROM "signals" WHERE signal_id = $1 ORDER BY "signals"."id" LIMIT $2`)).
			WithArgs("sig-3", 1).
			WillReturnRows(rows)

		sig, err := repo.FindBySignalID(context.Background(), "sig-3")
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		if sig == nil || sig.Ticker != "ETHUSDT" {
			t.Fatalf("unexpected signal: %+v", sig)
		}
	})

	t.Run("not found returns nil without error", func(t *testing.T) {
		mainMock.ExpectQuery(regexp.QuoteMeta(`SELECT * FROM "signals" WHERE signal_id = $1 ORDER BY "signals"."id" LIMIT $2`)).
			WithArgs("missing", 1).
			WillReturnRows(sqlmock.NewRows([]string{"id"}))

		sig, err := repo.FindBySignalID(context.Background(), "missing")
		if err != nil {
			t.Fatalf("missing signal must not be an error: %v", err)
		}
		if sig != nil {
			t.Fatalf("expected nil signal, got %+v", sig)
		}
	})

	if err := mainMock.ExpectationsWereMet(); err != nil {
		t.Fatalf("unmet sqlmock expectations: %v", err)
	}
}
