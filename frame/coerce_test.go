// Copyright 2022 Stock Parfait

// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at

//     http://www.apache.org/licenses/LICENSE-2.0

// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package frame

import (
	"context"
	"testing"
	"time"

	. "github.com/smartystreets/goconvey/convey"
)

func TestCoerce(t *testing.T) {
	t.Parallel()
	ctx := context.Background()

	Convey("ParseDeclaredType", t, func() {
		So(ParseDeclaredType(""), ShouldEqual, TypeNone)
		So(ParseDeclaredType("number"), ShouldEqual, TypeNumeric)
		So(ParseDeclaredType("Money"), ShouldEqual, TypeMoney)
		So(ParseDeclaredType("checkbox"), ShouldEqual, TypeBoolean)
		So(ParseDeclaredType("text"), ShouldEqual, TypeText)
		So(ParseDeclaredType("floating_timestamp"), ShouldEqual, TypeTemporal)
		So(ParseDeclaredType("point"), ShouldEqual, TypeGeo)
		So(ParseDeclaredType("blob"), ShouldEqual, TypeOther)
		So(TypeTemporal.String(), ShouldEqual, "temporal")
		var s Schema
		So(s.Type("x"), ShouldEqual, TypeNone)
	})

	Convey("Coerce converts declared columns", t, func() {
		tbl := FromRecords(testRecords())
		errs := tbl.Coerce(ctx, testSchema())
		So(errs, ShouldBeNil)
		So(tbl.Check(), ShouldBeNil)

		fare := tbl.Column("fare")
		So(fare.Kind, ShouldEqual, KindFloat)
		So(fare.Floats[:2], ShouldResemble, []float64{12.25, 7.0})
		So(fare.Null, ShouldResemble, []bool{false, false, true})

		start := tbl.Column("start")
		So(start.Kind, ShouldEqual, KindTime)
		So(start.Times[0], ShouldResemble, time.Date(2024, 1, 15, 10, 30, 0, 0, time.UTC))
		So(start.Times[1], ShouldResemble, time.Date(2024, 1, 16, 0, 0, 0, 0, time.UTC))
		So(start.Null, ShouldResemble, []bool{false, false, true})

		cash := tbl.Column("cash")
		So(cash.Kind, ShouldEqual, KindBool)
		So(cash.Value(0), ShouldEqual, true)
		So(cash.Value(1), ShouldEqual, false)
		So(cash.Value(2), ShouldBeNil)

		id := tbl.Column("id")
		So(id.Kind, ShouldEqual, KindString)
		So(id.Strings, ShouldResemble, []string{"a", "b", "c"})

		tip := tbl.Column("tip")
		So(tip.Kind, ShouldEqual, KindFloat)
		So(tip.Value(1), ShouldEqual, 1.0)
	})

	Convey("Coerce is idempotent", t, func() {
		tbl := FromRecords(testRecords())
		So(tbl.Coerce(ctx, testSchema()), ShouldBeNil)
		once, err := Concat(tbl)
		So(err, ShouldBeNil)
		So(tbl.Coerce(ctx, testSchema()), ShouldBeNil)
		So(tbl, ShouldResemble, once)
	})

	Convey("Empty columns", t, func() {
		tbl := FromRecords([]map[string]interface{}{
			{"empty": nil, "when": nil, "id": "1"},
			{"empty": "", "when": "", "id": "2"},
		})

		Convey("numeric column is left unconverted", func() {
			So(tbl.Coerce(ctx, testSchema()), ShouldBeNil)
			So(tbl.Column("empty").Kind, ShouldEqual, KindRaw)
			So(tbl.Column("empty").Raw, ShouldResemble, []interface{}{nil, ""})
		})

		Convey("temporal column is still typed", func() {
			So(tbl.Coerce(ctx, testSchema()), ShouldBeNil)
			when := tbl.Column("when")
			So(when.Kind, ShouldEqual, KindTime)
			So(when.Null, ShouldResemble, []bool{true, true})
			So(len(when.Times), ShouldEqual, 2)
		})
	})

	Convey("Undeclared and geo columns pass through", t, func() {
		point := map[string]interface{}{"type": "Point", "coordinates": []interface{}{-87.6, 41.8}}
		tbl := FromRecords([]map[string]interface{}{
			{"loc": point, "other": "5"},
		})
		So(tbl.Coerce(ctx, testSchema()), ShouldBeNil)
		So(tbl.Column("loc").Kind, ShouldEqual, KindRaw)
		So(tbl.Column("loc").Raw[0], ShouldResemble, point)
		So(tbl.Column("other").Kind, ShouldEqual, KindRaw)
		So(tbl.Column("loc").String(0), ShouldEqual,
			`{"coordinates":[-87.6,41.8],"type":"Point"}`)
	})

	Convey("A failing column does not stop the others", t, func() {
		tbl := FromRecords([]map[string]interface{}{
			{"cash": "true", "fare": "1.5", "id": "x"},
			{"cash": map[string]interface{}{"bad": 1.0}, "fare": "2", "id": []interface{}{1.0}},
			{"cash": "false", "fare": 3.0, "id": "z"},
		})
		errs := tbl.Coerce(ctx, testSchema())
		So(len(errs), ShouldEqual, 2)
		So(errs[0].Column, ShouldEqual, "cash")
		So(errs[0].Row, ShouldEqual, 1)
		So(errs[0].Type, ShouldEqual, TypeBoolean)
		So(errs[1].Column, ShouldEqual, "id")
		So(errs[0].Error(), ShouldContainSubstring, "not a boolean literal")

		So(tbl.Column("cash").Kind, ShouldEqual, KindRaw)
		So(tbl.Column("id").Kind, ShouldEqual, KindRaw)
		fare := tbl.Column("fare")
		So(fare.Kind, ShouldEqual, KindFloat)
		So(fare.Floats, ShouldResemble, []float64{1.5, 2.0, 3.0})
	})

	Convey("CoerceColumn does not modify its input", t, func() {
		c := NewColumn("x", KindRaw)
		c.appendRaw("1")
		c.appendRaw(nil)
		res, err := CoerceColumn(c, TypeNumeric)
		So(err, ShouldBeNil)
		So(res.Kind, ShouldEqual, KindFloat)
		So(c.Kind, ShouldEqual, KindRaw)
		So(c.Raw, ShouldResemble, []interface{}{"1", nil})
	})
}
