package dto

import (
	"fmt"
	"sync"

	"github.com/gin-gonic/gin/binding"
	"github.com/go-playground/validator/v10"

	"stockledger/internal/domain/ledger"
)

var registerOnce sync.Once

// RegisterValidators adds the ledger tags to gin's validator:
//
//	movement_type  any movement type
//	adjust_type    adjustment, damage, loss or correction
func RegisterValidators() (err error) {
	registerOnce.Do(func() {
		v, ok := binding.Validator.Engine().(*validator.Validate)
		if !ok {
			err = fmt.Errorf("unexpected validator engine %T", binding.Validator.Engine())
			return
		}
		if err = v.RegisterValidation("movement_type", func(fl validator.FieldLevel) bool {
			return ledger.MovementType(fl.Field().String()).IsValid()
		}); err != nil {
			return
		}
		err = v.RegisterValidation("adjust_type", func(fl validator.FieldLevel) bool {
			return ledger.MovementType(fl.Field().String()).IsAdjustment()
		})
	})
	return err
}
