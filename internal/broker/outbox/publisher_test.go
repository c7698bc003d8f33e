package outbox

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/pashagolub/pgxmock/v4"
	"github.com/stretchr/testify/require"

	"github.com/JakeFAU/scrape-relay/internal/scrape"
)

type fixedClock struct{ t time.Time }

func (c fixedClock) Now() time.Time { return c.t }

type staticIDs struct {
	id  string
	err error
}

func (s staticIDs) NewID() (string, error) { return s.id, s.err }

func TestPublishInsertsRow(t *testing.T) {
	t.Parallel()

	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	defer mock.Close()

	now := time.Unix(1700000000, 0).UTC()
	pub, err := NewWithPool(mock, "", staticIDs{id: "row-1"}, fixedClock{t: now})
	require.NoError(t, err)

	mock.ExpectExec("INSERT INTO scrape_outbox").
		WithArgs("row-1", "scraped_data", []byte(`{"url":"https://example.com/ok","content":"<html>"}`), now).
		WillReturnResult(pgxmock.NewResult("INSERT", 1))

	id, err := pub.Publish(context.Background(), "scraped_data", scrape.SuccessRecord{URL: "https://example.com/ok", Content: "<html>"})
	require.NoError(t, err)
	require.Equal(t, "row-1", id)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestPublishPropagatesExecError(t *testing.T) {
	t.Parallel()

	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	defer mock.Close()

	pub, err := NewWithPool(mock, "relay_outbox", staticIDs{id: "row-2"}, fixedClock{t: time.Unix(0, 0)})
	require.NoError(t, err)

	mock.ExpectExec("INSERT INTO relay_outbox").WillReturnError(errors.New("connection reset"))

	_, err = pub.Publish(context.Background(), "scraped_data_dlq", scrape.FailureRecord{URL: "u", Error: "HTTP 404"})
	require.ErrorContains(t, err, "connection reset")
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestPublishIDFailure(t *testing.T) {
	t.Parallel()

	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	defer mock.Close()

	pub, err := NewWithPool(mock, "", staticIDs{err: errors.New("entropy")}, fixedClock{})
	require.NoError(t, err)

	_, err = pub.Publish(context.Background(), "q", map[string]string{})
	require.ErrorContains(t, err, "outbox id")
}

func TestNewWithPoolValidation(t *testing.T) {
	t.Parallel()

	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	defer mock.Close()

	_, err = NewWithPool(nil, "", staticIDs{}, fixedClock{})
	require.Error(t, err)

	_, err = NewWithPool(mock, "bad;table", staticIDs{}, fixedClock{})
	require.ErrorContains(t, err, "invalid table name")

	_, err = NewWithPool(mock, "", nil, fixedClock{})
	require.Error(t, err)
}

func TestNewRequiresDSN(t *testing.T) {
	t.Parallel()
	_, err := New(context.Background(), Config{}, staticIDs{}, fixedClock{})
	require.ErrorContains(t, err, "outbox.dsn")
}

func TestNilPublisherIsNotConfigured(t *testing.T) {
	t.Parallel()
	var p *Publisher
	_, err := p.Publish(context.Background(), "q", nil)
	require.ErrorIs(t, err, scrape.ErrPublisherNotConfigured)
}
