//go:build integration

package registry

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/suite"

	"github.com/relabs-tech/fleetca/test"
)

type RegistrySuite struct {
	test.IntegrationTestSuite
	registry *Registry
}

func TestRegistrySuite(t *testing.T) {
	suite.Run(t, &RegistrySuite{IntegrationTestSuite: test.IntegrationTestSuite{Schema: "_registry_unit_test_"}})
}

func (s *RegistrySuite) SetupSuite() {
	s.IntegrationTestSuite.SetupSuite()
	var err error
	s.registry, err = New(s.DB)
	s.Require().NoError(err)
}

func (s *RegistrySuite) TestReadWrite() {
	type foo struct {
		A string
		B string
	}
	ctx := context.Background()
	write := foo{A: "Hello", B: "World"}
	testRegistry := s.registry.Accessor("_test_")

	var something foo
	createdAt, err := testRegistry.Read(ctx, "key does not exist", &something)
	s.Require().NoError(err)
	s.True(createdAt.IsZero(), "non existing key seems to exist")

	now := time.Now()
	s.Require().NoError(testRegistry.Write(ctx, "test", write))

	var read foo
	createdAt, err = testRegistry.Read(ctx, "test", &read)
	s.Require().NoError(err)
	s.Equal(write, read)
	s.WithinDuration(now, createdAt, time.Minute)

	s.Require().NoError(testRegistry.Delete(ctx, "test"))
	createdAt, err = testRegistry.Read(ctx, "test", &read)
	s.Require().NoError(err)
	s.True(createdAt.IsZero())
}

func (s *RegistrySuite) TestIncrement() {
	ctx := context.Background()
	counter := s.registry.Accessor("_counter_")
	for want := int64(1); want <= 3; want++ {
		got, err := counter.Increment(ctx, "crl_number")
		s.Require().NoError(err)
		s.Equal(want, got)
	}
	var stored int64
	_, err := counter.Read(ctx, "crl_number", &stored)
	s.Require().NoError(err)
	s.Equal(int64(3), stored)
}
