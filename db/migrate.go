package db

import (
	"fmt"

	"gorm.io/gorm"

	"github.com/Altoh5/claude-telegram-relay/convo"
	"github.com/Altoh5/claude-telegram-relay/task"
)

func AutoMigrate(gdb *gorm.DB) error {
	if gdb == nil {
		return fmt.Errorf("nil gorm db")
	}
	return gdb.AutoMigrate(
		&task.Task{},
		&convo.Turn{},
		&convo.Fact{},
	)
}
