package fuzzy

// stopwords holds folded English and Hebrew filler words plus the command
// verbs users put in front of a reference ("delete the dentist").
var stopwords = map[string]struct{}{
	// English
	"a": {}, "an": {}, "the": {}, "to": {}, "at": {}, "on": {}, "in": {},
	"of": {}, "for": {}, "my": {}, "with": {}, "and": {}, "is": {}, "it": {},
	"this": {}, "that": {}, "me": {}, "please": {}, "from": {},
	"delete": {}, "remove": {}, "cancel": {}, "update": {}, "change": {},
	"move": {}, "reschedule": {}, "edit": {}, "event": {}, "reminder": {},

	// Hebrew
	"את": {}, "של": {}, "עם": {}, "על": {}, "זה": {}, "זאת": {}, "לי": {},
	"בבקשה": {}, "מחק": {}, "תמחק": {}, "למחוק": {}, "תמחקי": {},
	"בטל": {}, "תבטל": {}, "לבטל": {}, "תבטלי": {},
	"שנה": {}, "תשנה": {}, "לשנות": {}, "עדכן": {}, "תעדכן": {}, "לעדכן": {},
	"הזז": {}, "תזיז": {}, "להזיז": {}, "אירוע": {}, "האירוע": {},
	"תזכורת": {}, "התזכורת": {},
}

func isStopword(w string) bool {
	_, ok := stopwords[w]
	return ok
}
