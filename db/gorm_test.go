package db

import (
	"testing"

	"MuseGen/config"

	"github.com/stretchr/testify/assert"
)

func TestDSN(t *testing.T) {
	cfg := &config.Config{DBUser: "root", DBPassword: "pw", DBHost: "db", DBPort: "3306", DBName: "musegen"}
	assert.Equal(t, "root:pw@tcp(db:3306)/musegen?charset=utf8mb4&parseTime=True&loc=UTC&clientFoundRows=true", DSN(cfg))
}

func TestAutoMigrateRequiresDB(t *testing.T) {
	assert.Error(t, AutoMigrate(nil))
	assert.NoError(t, CloseGormDB(nil))
	assert.Len(t, Models(), 4)
}
