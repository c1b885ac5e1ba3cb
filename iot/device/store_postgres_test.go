//go:build integration

package device

import (
	"testing"

	"github.com/stretchr/testify/suite"

	"github.com/relabs-tech/fleetca/test"
)

type PostgresStoreSuite struct {
	test.IntegrationTestSuite
}

func TestPostgresStoreSuite(t *testing.T) {
	suite.Run(t, &PostgresStoreSuite{IntegrationTestSuite: test.IntegrationTestSuite{Schema: "_device_test_"}})
}

func (s *PostgresStoreSuite) TestStore() {
	s.Require().NoError(s.DB.ClearSchema())
	store, err := NewPostgresStore(s.DB)
	s.Require().NoError(err)
	testStore(s.T(), store)
}
