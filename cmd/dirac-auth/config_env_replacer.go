package main

import (
	"reflect"
	"strings"
	"unicode"
)

// replaceEnvKeys walks data and replaces any string field of the form $FOO
// with the value of getenv("FOO"), where FOO consists only of letters,
// digits and underscores (so values such as crypt hashes, which contain
// further '$' characters, are left alone). This lets a config YAML document reference
// secrets (signing keys, state-secret material, database passwords) by
// environment variable name instead of carrying them in plaintext.
func replaceEnvKeys(data interface{}, getenv func(string) string) error {
	val := reflect.ValueOf(data)

	// Elem() only works on interfaces and pointers. We probably only want Ptr's, tho...
	if val.Kind() != reflect.Interface && val.Kind() != reflect.Ptr {
		return nil
	}

	s := val.Elem()

	// Skip things we cannot modify
	if !s.CanSet() {
		return nil
	}

	// Convert strings if they start with '$' followed by a variable name
	if s.Kind() == reflect.String {
		value := s.Interface().(string)
		if len(value) > 2 && string(value[0]) == "$" {
			name := value[1:]
			isName := strings.IndexFunc(name, func(r rune) bool {
				return r != '_' && !unicode.IsLetter(r) && !unicode.IsDigit(r)
			}) == -1
			if isName {
				s.SetString(getenv(name))
			}
		}
		return nil
	}

	// Structs
	if s.Kind() == reflect.Struct {
		for i := 0; i < s.NumField(); i += 1 {
			f := s.Field(i)

			// Recurse through fields
			err := replaceEnvKeys(f.Addr().Interface(), getenv)
			if err != nil {
				return err
			}
		}
		return nil
	}

	// TODO: Treat slices of chars as a string
	if s.Kind() == reflect.Slice {
		for i := 0; i < s.Len(); i += 1 {
			err := replaceEnvKeys(s.Index(i).Addr().Interface(), getenv)
			if err != nil {
				return err
			}
		}
		return nil
	}

	// TODO: Maps, Arrays

	return nil
}
