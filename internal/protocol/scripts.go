package protocol

// queryAllFunction runs with the scope node as `this`, inside whatever world
// the scope object was resolved in. It only reads the DOM. Open shadow roots
// are descended into; closed ones are invisible here and are enumerated by
// the resolver through DescribeNode instead.
const queryAllFunction = `function (engine, body) {
	const results = [];
	const norm = (s) => (s || '').replace(/\s+/g, ' ').trim();
	let exact = false;
	let needle = body;
	if (engine === 'text') {
		if (body.length > 1 && (body[0] === '"' || body[0] === "'") && body[body.length - 1] === body[0]) {
			exact = true;
			needle = body.slice(1, -1);
		}
		needle = norm(needle);
		if (!exact) needle = needle.toLowerCase();
	}
	const textMatches = (el) => {
		const t = norm(el.textContent);
		return exact ? t === needle : t.toLowerCase().includes(needle);
	};
	const skipText = new Set(['SCRIPT', 'STYLE', 'HEAD', 'TEMPLATE', 'NOSCRIPT']);
	const visit = (root) => {
		if (engine === 'css') {
			for (const el of root.querySelectorAll(body)) results.push(el);
		} else if (engine === 'xpath') {
			const doc = root.ownerDocument || root;
			// Absolute paths stay inside the scope.
			const expr = (body.startsWith('/') && root.nodeType !== Node.DOCUMENT_NODE) ? '.' + body : body;
			const snap = doc.evaluate(expr, root, null, XPathResult.ORDERED_NODE_SNAPSHOT_TYPE, null);
			for (let i = 0; i < snap.snapshotLength; i++) {
				const n = snap.snapshotItem(i);
				if (n.nodeType === Node.ELEMENT_NODE) results.push(n);
			}
		} else if (engine === 'text') {
			for (const el of root.querySelectorAll('*')) {
				if (skipText.has(el.nodeName) || !textMatches(el)) continue;
				if (Array.from(el.children).some(textMatches)) continue;
				results.push(el);
			}
		} else {
			throw new Error('unsupported engine ' + engine);
		}
		for (const el of root.querySelectorAll('*')) {
			if (el.shadowRoot) visit(el.shadowRoot);
		}
	};
	visit(this);
	return Array.from(new Set(results));
}`

// elementStateFunction answers attached, visible or hidden for `this`.
const elementStateFunction = `function (state) {
	if (state === 'attached') return this.isConnected;
	const el = this.nodeType === Node.ELEMENT_NODE ? this : this.parentElement;
	if (!el || !this.isConnected) return state === 'hidden';
	const style = el.ownerDocument.defaultView.getComputedStyle(el);
	const rect = el.getBoundingClientRect();
	const visible = style.visibility !== 'hidden' && rect.width > 0 && rect.height > 0;
	if (state === 'visible') return visible;
	if (state === 'hidden') return !visible;
	throw new Error('unsupported state ' + state);
}`
