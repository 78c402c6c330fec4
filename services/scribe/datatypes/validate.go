// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package datatypes

import (
	"regexp"

	"github.com/go-playground/validator/v10"
)

var validate *validator.Validate

func init() {
	validate = validator.New()
	validate.RegisterValidation("regexp", validateRegexp)
}

// Validator returns the shared validator instance with Scribe's custom
// validations registered ("regexp").
func Validator() *validator.Validate {
	return validate
}

// Validate checks the struct tags of a FileEvent.
func (e FileEvent) Validate() error {
	return validate.Struct(e)
}

// validateRegexp accepts strings that compile as Go regular expressions.
func validateRegexp(fl validator.FieldLevel) bool {
	_, err := regexp.Compile(fl.Field().String())
	return err == nil
}
