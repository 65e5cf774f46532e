package conn

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"tradecore/pkg/exception"
)

func TestPostgresDSN(t *testing.T) {
	testCases := []struct {
		desc     string
		option   Option
		expected string
	}{
		{
			"defaults",
			Option{},
			"postgres://localhost:5432?sslmode=disable",
		},
		{
			"credentials and database",
			Option{Host: "db", Port: 6543, User: "engine", Password: "pw", Database: "bars"},
			"postgres://engine:pw@db:6543/bars?sslmode=disable",
		},
		{
			"ssl mode and params",
			Option{SSLMode: "require", Params: map[string]string{"application_name": "engine"}},
			"postgres://localhost:5432?application_name=engine&sslmode=require",
		},
		{
			"raw connection string",
			Option{ConnString: "host=x"},
			"host=x",
		},
	}

	for _, tc := range testCases {
		t.Run(tc.desc, func(t *testing.T) {
			assert.Equal(t, tc.expected, tc.option.postgresDSN())
		})
	}
}

func TestSQLiteMemory(t *testing.T) {
	c, err := New(Option{Driver: DriverSQLite, Path: ":memory:"})
	require.NoError(t, err)
	defer c.Close()
	require.NoError(t, c.Ping(t.Context()))
	require.NoError(t, c.DB().Exec("CREATE TABLE t (id INTEGER)").Error)

	_, err = New(Option{Driver: DriverSQLite})
	require.Error(t, err)
	_, err = New(Option{Driver: "oracle"})
	require.ErrorIs(t, err, exception.ErrInvalidArgument)
}
