package config

import (
	"bytes"
	"fmt"
	"io"
	"reflect"
	"strings"
	"unicode"
)

// SplitArgs splits a command line into arguments at white space. Double
// quotes group text containing spaces into one argument and may produce an
// empty argument; inside them a backslash escapes the next character.
func SplitArgs(in string) []string {
	// started is set once the current argument has content or quotes, so
	// that "" yields an empty argument.
	var (
		args    []string
		cur     strings.Builder
		quoted  bool
		escaped bool
		started bool
	)
	for _, ch := range in {
		switch {
		case escaped:
			cur.WriteRune(ch)
			escaped = false
		case quoted && ch == '\\':
			escaped = true
		case ch == '"':
			quoted = !quoted
			started = true
		case !quoted && unicode.IsSpace(ch):
			if started {
				args = append(args, cur.String())
				cur.Reset()
				started = false
			}
		default:
			cur.WriteRune(ch)
			started = true
		}
	}
	if started {
		args = append(args, cur.String())
	}
	return args
}

type configureIterator struct {
	cfgValue reflect.Value
	cfgType  reflect.Type
	i        int
	tag      string
}

// IterateConfiguration returns an iterator over the fields of conf, a
// pointer to a struct, that have the struct tag tag.
func IterateConfiguration(conf interface{}, tag string) *configureIterator {
	cfgValue := reflect.ValueOf(conf).Elem()
	cfgType := cfgValue.Type()
	return &configureIterator{cfgValue: cfgValue, cfgType: cfgType, i: -1, tag: tag}
}

func (it *configureIterator) Next() bool {
	it.i++
	for it.i < it.cfgValue.NumField() {
		if _, ok := it.cfgType.Field(it.i).Tag.Lookup(it.tag); ok {
			return true
		}
		it.i++
	}
	return false
}

// Field returns the name the current field is known by and its value.
func (it *configureIterator) Field() (name string, field reflect.Value) {
	name = it.cfgType.Field(it.i).Tag.Get(it.tag)
	if comma := strings.Index(name, ","); comma >= 0 {
		name = name[:comma]
	}
	field = it.cfgValue.Field(it.i)
	return
}

// ConfigureList writes every field of conf tagged with tag to w.
func ConfigureList(w io.Writer, conf interface{}, tag string) {
	it := IterateConfiguration(conf, tag)
	for it.Next() {
		fieldName, field := it.Field()
		if fieldName == "" || fieldName == "-" {
			continue
		}
		configureListField(w, fieldName, field)
	}
}

func configureListField(w io.Writer, name string, field reflect.Value) {
	if field.Kind() == reflect.Ptr {
		if !field.IsNil() {
			fmt.Fprintf(w, "%s\t%v\n", name, field.Elem())
		} else {
			fmt.Fprintf(w, "%s\t<not defined>\n", name)
		}
	} else {
		fmt.Fprintf(w, "%s\t%v\n", name, field)
	}
}

// ConfigureListByName returns the line ConfigureList would write for the
// field called name, or "" if there is no such field.
func ConfigureListByName(conf interface{}, name, tag string) string {
	if name == "" {
		return ""
	}
	it := IterateConfiguration(conf, tag)
	for it.Next() {
		fieldName, field := it.Field()
		if fieldName == name {
			var buf bytes.Buffer
			configureListField(&buf, fieldName, field)
			return buf.String()
		}
	}
	return ""
}
